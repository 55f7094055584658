package service

import (
	"errors"
	"fmt"

	"github.com/bitfantasy/nimo-phasegate/internal/pm/policy"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/repository"
)

// 错误定义，调用方使用 errors.Is 判断
var (
	ErrInvalidState           = errors.New("invalid state")
	ErrNotAuthorized          = errors.New("not authorized")
	ErrNotYetActionable       = errors.New("step not yet actionable")
	ErrIncompleteChecklist    = errors.New("incomplete checklist")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrAlreadyClosed          = errors.New("gate already closed")
	ErrConcurrentModification = errors.New("concurrent modification, retry later")
	ErrNotFound               = errors.New("not found")
	ErrValidation             = errors.New("validation failed")
)

// guardErr 把规则判断结果转换为错误
func guardErr(r policy.GuardResult) error {
	if r.Allowed {
		return nil
	}
	var base error
	switch r.Violation {
	case policy.ViolationInvalidState:
		base = ErrInvalidState
	case policy.ViolationNotAuthorized:
		base = ErrNotAuthorized
	case policy.ViolationNotYetActionable:
		base = ErrNotYetActionable
	case policy.ViolationInvalidTransition:
		base = ErrInvalidTransition
	case policy.ViolationAlreadyClosed:
		base = ErrAlreadyClosed
	case policy.ViolationIncomplete:
		base = ErrIncompleteChecklist
	default:
		base = ErrValidation
	}
	return fmt.Errorf("%w: %w", base, r.Error())
}

// findErr 记录不存在时转换为 ErrNotFound
func findErr(err error, what string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %s不存在", ErrNotFound, what)
	}
	return fmt.Errorf("查询%s失败: %w", what, err)
}

func validationErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

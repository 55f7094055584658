package service

import "context"

// RoleAdmin 管理员可代任何角色操作
const RoleAdmin = "pm_admin"

// RoleProjectManager 项目经理，可代发起人撤回或调整审批
const RoleProjectManager = "project_manager"

// Actor 发起命令的用户，来自认证令牌
type Actor struct {
	UserID string
	Name   string
	Roles  []string
}

// HasRole 是否拥有角色
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IdentityProvider 判断用户是否为指定的审批人/检验员
type IdentityProvider interface {
	CanActFor(ctx context.Context, actor Actor, userID, role string) bool
}

// ClaimsIdentity 基于令牌中的用户ID和角色判断
type ClaimsIdentity struct{}

func (ClaimsIdentity) CanActFor(_ context.Context, actor Actor, userID, role string) bool {
	if actor.UserID == "" {
		return false
	}
	if userID != "" && actor.UserID == userID {
		return true
	}
	if role != "" && actor.HasRole(role) {
		return true
	}
	return actor.HasRole(RoleAdmin)
}

package handler

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bitfantasy/nimo-phasegate/internal/pm/policy"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/repository"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/service"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/sse"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/testutil"
	"github.com/gin-gonic/gin"
)

const testProject = "proj-http-001"

type testEnv struct {
	router *gin.Engine
	svc    *service.Services
}

func setupHandlerTest(t *testing.T) *testEnv {
	t.Helper()
	db := testutil.SetupTestDB(t)
	router := testutil.SetupRouter()

	phases, err := policy.NewPhaseTable([]policy.Phase{
		{Number: 1, Name: "概念"},
		{Number: 2, Name: "EVT", Conditions: []policy.Condition{policy.ApprovalOf("design_review"), policy.GateOf("evt")}},
	})
	if err != nil {
		t.Fatalf("NewPhaseTable: %v", err)
	}
	svc := service.NewServices(service.Deps{
		Repos:  repository.NewRepositories(db),
		Phases: phases,
		Now:    testutil.NewClock().Now,
	})

	api := testutil.AuthGroup(router, "/api/v1")
	RegisterRoutes(api, NewHandlers(svc, sse.NewHub(nil)))

	return &testEnv{router: router, svc: svc}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, token string, wantStatus int) map[string]interface{} {
	t.Helper()
	w := testutil.DoRequest(e.router, method, "/api/v1"+path, body, token)
	if w.Code != wantStatus {
		t.Fatalf("%s %s: expected %d, got %d: %s", method, path, wantStatus, w.Code, w.Body.String())
	}
	return testutil.ParseResponse(w)
}

func dataOf(t *testing.T, resp map[string]interface{}) map[string]interface{} {
	t.Helper()
	data, ok := resp["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("response has no data object: %v", resp)
	}
	return data
}

func codeOf(resp map[string]interface{}) int {
	code, _ := resp["code"].(float64)
	return int(code)
}

func TestPhaseFlowOverHTTP(t *testing.T) {
	env := setupHandlerTest(t)
	admin := testutil.AdminToken()
	reviewer := testutil.GenerateTestToken("rev-1", "评审一", nil)
	outsider := testutil.GenerateTestToken("rev-2", "评审二", nil)
	inspector := testutil.GenerateTestToken("qa-1", "检验员", nil)
	manager := testutil.GenerateTestToken("pm-1", "项目经理", []string{RoleProjectManager})

	// 启动需要项目经理角色
	resp := env.do(t, "POST", "/projects/"+testProject+"/kickoff", nil, reviewer, http.StatusForbidden)
	if codeOf(resp) != CodeNotAuthorized {
		t.Fatalf("Expected code %d, got %v", CodeNotAuthorized, resp["code"])
	}
	env.do(t, "POST", "/projects/"+testProject+"/kickoff", nil, admin, http.StatusCreated)
	resp = env.do(t, "POST", "/projects/"+testProject+"/kickoff", nil, admin, http.StatusConflict)
	if codeOf(resp) != CodeInvalidState {
		t.Fatalf("Expected code %d on second kickoff, got %v", CodeInvalidState, resp["code"])
	}

	// 推进同样需要项目经理角色
	resp = env.do(t, "POST", "/projects/"+testProject+"/advance", nil, reviewer, http.StatusForbidden)
	if codeOf(resp) != CodeNotAuthorized {
		t.Fatalf("Expected code %d on advance by reviewer, got %v", CodeNotAuthorized, resp["code"])
	}
	data := dataOf(t, env.do(t, "POST", "/projects/"+testProject+"/advance", nil, manager, http.StatusOK))
	if data["current_phase"] != float64(2) {
		t.Fatalf("Expected phase 2, got %v", data["current_phase"])
	}

	// 阶段2条件都未满足
	data = dataOf(t, env.do(t, "POST", "/projects/"+testProject+"/advance", nil, admin, http.StatusOK))
	if data["status"] != "blocked" {
		t.Fatalf("Expected blocked, got %v", data["status"])
	}
	if reasons, _ := data["blocking_reasons"].([]interface{}); len(reasons) != 2 {
		t.Fatalf("Expected 2 blocking reasons, got %v", data["blocking_reasons"])
	}

	// 审批
	data = dataOf(t, env.do(t, "POST", "/approvals", map[string]interface{}{
		"project_id":     testProject,
		"approval_type":  "design_review",
		"workflow_type":  "sequential",
		"approver_chain": []map[string]string{{"approver_id": "rev-1"}},
	}, admin, http.StatusCreated))
	steps := data["steps"].([]interface{})
	stepID := steps[0].(map[string]interface{})["id"].(string)
	approvalID := data["id"].(string)

	// 非发起人、非项目经理不能撤回或改审批人
	resp = env.do(t, "POST", "/approvals/"+approvalID+"/cancel", map[string]string{"reason": "x"}, outsider, http.StatusForbidden)
	if codeOf(resp) != CodeNotAuthorized {
		t.Fatalf("Expected code %d on cancel by outsider, got %v", CodeNotAuthorized, resp["code"])
	}
	env.do(t, "PUT", "/approval-steps/"+stepID+"/approver", map[string]string{"approver_id": "rev-2"}, outsider, http.StatusForbidden)

	decision := map[string]interface{}{"decision": "approved", "comments": "同意"}
	resp = env.do(t, "POST", "/approval-steps/"+stepID+"/decision", decision, outsider, http.StatusForbidden)
	if codeOf(resp) != CodeNotAuthorized {
		t.Fatalf("Expected code %d, got %v", CodeNotAuthorized, resp["code"])
	}
	data = dataOf(t, env.do(t, "POST", "/approval-steps/"+stepID+"/decision", decision, reviewer, http.StatusOK))
	if data["status"] != "approved" {
		t.Fatalf("Expected approved step, got %v", data["status"])
	}
	env.do(t, "POST", "/approval-steps/"+stepID+"/decision", decision, reviewer, http.StatusConflict)

	// 质量门
	env.do(t, "POST", "/checklist-templates", map[string]interface{}{
		"id":        "tpl-evt",
		"name":      "EVT 检查单",
		"gate_type": "evt",
		"items": []map[string]string{
			{"description": "外观检查", "severity": "minor"},
			{"description": "跌落测试", "severity": "critical"},
		},
	}, admin, http.StatusCreated)
	data = dataOf(t, env.do(t, "POST", "/gates", map[string]interface{}{
		"project_id":            testProject,
		"gate_type":             "evt",
		"checklist_template_id": "tpl-evt",
		"inspector_id":          "qa-1",
	}, admin, http.StatusCreated))
	gateID := data["id"].(string)
	if data["phase"] != float64(2) {
		t.Fatalf("Expected gate on current phase 2, got %v", data["phase"])
	}
	items := data["items"].([]interface{})
	if len(items) != 2 {
		t.Fatalf("Expected 2 gate items, got %d", len(items))
	}

	resp = env.do(t, "POST", "/gates/"+gateID+"/close", nil, inspector, 422)
	if codeOf(resp) != CodeIncompleteChecklist {
		t.Fatalf("Expected code %d, got %v", CodeIncompleteChecklist, resp["code"])
	}

	for _, it := range items {
		itemID := it.(map[string]interface{})["id"].(string)
		env.do(t, "PUT", "/gate-items/"+itemID+"/result", map[string]interface{}{"passed": true}, outsider, http.StatusForbidden)
		env.do(t, "PUT", "/gate-items/"+itemID+"/result", map[string]interface{}{"passed": true}, inspector, http.StatusOK)
	}
	data = dataOf(t, env.do(t, "POST", "/gates/"+gateID+"/close", nil, inspector, http.StatusOK))
	if gate := data["gate"].(map[string]interface{}); gate["status"] != "passed" {
		t.Fatalf("Expected passed gate, got %v", gate["status"])
	}
	if defects, _ := data["defects"].([]interface{}); len(defects) != 0 {
		t.Fatalf("Expected no defects, got %d", len(defects))
	}
	env.do(t, "POST", "/gates/"+gateID+"/close", nil, inspector, http.StatusConflict)

	// 信号解除受阻但不推进
	data = dataOf(t, env.do(t, "GET", "/projects/"+testProject+"/phase", nil, reviewer, http.StatusOK))
	if data["status"] != "active" || data["current_phase"] != float64(2) {
		t.Fatalf("Expected active phase 2 after signals, got %v / %v", data["status"], data["current_phase"])
	}
	data = dataOf(t, env.do(t, "GET", "/projects/"+testProject+"/conditions", nil, reviewer, http.StatusOK))
	if data["satisfied"] != true {
		t.Fatalf("Expected satisfied conditions, got %v", data)
	}

	data = dataOf(t, env.do(t, "POST", "/projects/"+testProject+"/advance", nil, manager, http.StatusOK))
	if data["status"] != "completed" {
		t.Fatalf("Expected completed, got %v", data["status"])
	}

	data = dataOf(t, env.do(t, "GET", "/projects/"+testProject+"/transitions", nil, reviewer, http.StatusOK))
	transitions := data["items"].([]interface{})
	if len(transitions) < 4 {
		t.Fatalf("Expected at least 4 transitions, got %d", len(transitions))
	}
	last := transitions[len(transitions)-1].(map[string]interface{})
	if last["transition_type"] != "advance" {
		t.Errorf("Expected last transition advance, got %v", last["transition_type"])
	}

	w := testutil.DoRequest(env.router, "GET", "/api/v1/projects/"+testProject+"/transitions/export", nil, reviewer)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on export, got %d: %s", w.Code, w.Body.String())
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "transitions_"+testProject+".xlsx") {
		t.Errorf("Unexpected Content-Disposition %q", cd)
	}
}

func TestDefectEndpoints(t *testing.T) {
	env := setupHandlerTest(t)
	token := testutil.GenerateTestToken("qa-1", "检验员", nil)

	resp := env.do(t, "POST", "/defects", map[string]interface{}{
		"project_id":  testProject,
		"phase":       1,
		"severity":    "major",
		"description": "按键回弹不良",
	}, token, http.StatusCreated)
	defectID := dataOf(t, resp)["id"].(string)

	env.do(t, "PUT", "/defects/"+defectID+"/assign", map[string]string{"assigned_to": "eng-1"}, token, http.StatusOK)

	resp = env.do(t, "PUT", "/defects/"+defectID+"/status", map[string]string{"status": "closed"}, token, http.StatusConflict)
	if codeOf(resp) != CodeInvalidTransition {
		t.Fatalf("Expected code %d, got %v", CodeInvalidTransition, resp["code"])
	}
	env.do(t, "PUT", "/defects/"+defectID+"/status", map[string]string{"status": "in_progress"}, token, http.StatusOK)

	data := dataOf(t, env.do(t, "GET", "/defects/open?project_id="+testProject, nil, token, http.StatusOK))
	if data["total"] != float64(1) {
		t.Fatalf("Expected 1 open defect, got %v", data["total"])
	}

	resp = env.do(t, "GET", "/defects/open", nil, token, http.StatusBadRequest)
	if codeOf(resp) != CodeValidation {
		t.Fatalf("Expected code %d, got %v", CodeValidation, resp["code"])
	}
	resp = env.do(t, "GET", "/defects/missing", nil, token, http.StatusNotFound)
	if codeOf(resp) != CodeNotFound {
		t.Fatalf("Expected code %d, got %v", CodeNotFound, resp["code"])
	}
}

func TestRequestValidationAndAuth(t *testing.T) {
	env := setupHandlerTest(t)
	token := testutil.AdminToken()

	w := testutil.DoRequest(env.router, "GET", "/api/v1/projects/"+testProject+"/phase", nil, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 without token, got %d", w.Code)
	}

	env.do(t, "GET", "/projects/unknown/phase", nil, token, http.StatusNotFound)
	env.do(t, "GET", "/approvals", nil, token, http.StatusBadRequest)
	env.do(t, "GET", "/gates?project_id=p&phase=zero", nil, token, http.StatusBadRequest)
	env.do(t, "POST", "/approvals", map[string]string{"project_id": testProject}, token, http.StatusBadRequest)
	env.do(t, "POST", "/projects/"+testProject+"/rollback", map[string]interface{}{"to_phase": 1}, token, http.StatusBadRequest)
}

func TestServiceErrorMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		err        error
		wantStatus int
		wantCode   int
	}{
		{fmt.Errorf("%w: x", service.ErrValidation), 400, CodeValidation},
		{fmt.Errorf("%w: x", service.ErrNotAuthorized), 403, CodeNotAuthorized},
		{fmt.Errorf("%w: x", service.ErrNotFound), 404, CodeNotFound},
		{fmt.Errorf("%w: x", service.ErrInvalidState), 409, CodeInvalidState},
		{fmt.Errorf("%w: x", service.ErrNotYetActionable), 409, CodeNotYetActionable},
		{fmt.Errorf("%w: x", service.ErrInvalidTransition), 409, CodeInvalidTransition},
		{fmt.Errorf("%w: x", service.ErrAlreadyClosed), 409, CodeAlreadyClosed},
		{fmt.Errorf("%w: x", service.ErrConcurrentModification), 409, CodeConcurrentModification},
		{fmt.Errorf("%w: x", service.ErrIncompleteChecklist), 422, CodeIncompleteChecklist},
		{errors.New("db down"), 500, CodeInternal},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		ServiceError(c, tt.err)
		if w.Code != tt.wantStatus {
			t.Errorf("%v: status = %d, want %d", tt.err, w.Code, tt.wantStatus)
		}
		if got := codeOf(testutil.ParseResponse(w)); got != tt.wantCode {
			t.Errorf("%v: code = %d, want %d", tt.err, got, tt.wantCode)
		}
		retry := w.Header().Get("Retry-After")
		if (tt.wantCode == CodeConcurrentModification) != (retry != "") {
			t.Errorf("%v: unexpected Retry-After %q", tt.err, retry)
		}
	}
}

package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"proxyswitch/internal/core/switcher"
	"proxyswitch/internal/core/verifier"
	"proxyswitch/internal/shared/globalstate"
	"proxyswitch/internal/shared/logger"
	"proxyswitch/internal/shared/settings"
	"proxyswitch/proxypool/model"
)

const maxRequestBody = 1 << 20

// SwitchController 是 Handler 依赖的编排器能力，由 switcher.Orchestrator 实现。
type SwitchController interface {
	GetDashboardData(ctx context.Context, q switcher.DashboardQuery) (*switcher.Dashboard, error)
	ApplyExplicit(ctx context.Context, d model.ProxyDescriptor) (*switcher.Result, error)
	Disable(ctx context.Context) error
	ChooseRandom(ctx context.Context, protocol string) (*switcher.Result, error)
	ChooseNext(ctx context.Context, protocol string) (*switcher.Result, error)
	SmartSwitch(ctx context.Context, protocol string) (*switcher.Result, error)
	CheckIP(ctx context.Context) (verifier.IPResult, error)
	SavePrefs(ctx context.Context, prefs settings.UIPrefs) (settings.UIPrefs, error)
}

var _ SwitchController = (*switcher.Orchestrator)(nil)

type Handler struct {
	ctrl  SwitchController
	hub   *Hub
	badge *globalstate.Badge
}

// NewHandler 创建 API 处理器。hub 可以为 nil。
func NewHandler(ctrl SwitchController, hub *Hub, badge *globalstate.Badge) *Handler {
	if badge == nil {
		badge = globalstate.GlobalBadge
	}
	return &Handler{ctrl: ctrl, hub: hub, badge: badge}
}

type apiResponse struct {
	OK      bool        `json:"ok"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Kind    string      `json:"kind,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// protocolRequest 是三种切换操作共用的请求体。
type protocolRequest struct {
	Protocol string `json:"protocol"`
}

func writeJSON(w http.ResponseWriter, status int, body apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn().Err(err).Msg("Failed to write API response.")
	}
}

func writeOK(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, apiResponse{OK: true, Data: data})
}

func writeError(w http.ResponseWriter, err error) {
	var se *switcher.Error
	if !errors.As(err, &se) {
		writeJSON(w, http.StatusInternalServerError, apiResponse{Error: err.Error()})
		return
	}
	writeJSON(w, statusForKind(se.Kind), apiResponse{Error: se.Error(), Kind: string(se.Kind), Details: se})
}

func statusForKind(kind switcher.Kind) int {
	switch kind {
	case switcher.KindMalformedRecord:
		return http.StatusBadRequest
	case switcher.KindNoCandidates:
		return http.StatusNotFound
	case switcher.KindAllBlacklisted:
		return http.StatusConflict
	case switcher.KindApplyRejected:
		return http.StatusUnprocessableEntity
	case switcher.KindAllFeedsFailed, switcher.KindVerificationFailed, switcher.KindExhaustedRetries:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// decodeBody 解码可选的 JSON 请求体，空请求体不是错误。
func decodeBody(r *http.Request, out interface{}) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(out)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, apiResponse{Error: msg})
}

func dashboardQuery(r *http.Request, refresh bool) switcher.DashboardQuery {
	q := switcher.DashboardQuery{
		Protocol: strings.TrimSpace(r.URL.Query().Get("protocol")),
		Refresh:  refresh,
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		q.Limit = limit
	}
	return q
}

// HandleDashboard 处理 GET /api/dashboard。
func (h *Handler) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	d, err := h.ctrl.GetDashboardData(r.Context(), dashboardQuery(r, false))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, d)
}

// HandleDashboardRefresh 处理 POST /api/dashboard/refresh，强制从代理源重新抓取。
func (h *Handler) HandleDashboardRefresh(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	d, err := h.ctrl.GetDashboardData(r.Context(), dashboardQuery(r, true))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, d)
}

// HandleApply 处理 POST /api/proxy/apply，请求体是一个代理描述。
func (h *Handler) HandleApply(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var d model.ProxyDescriptor
	if err := decodeBody(r, &d); err != nil {
		badRequest(w, "Invalid JSON format")
		return
	}
	res, err := h.ctrl.ApplyExplicit(r.Context(), d)
	h.finishSwitch(w, res, err)
}

// HandleDisable 处理 POST /api/proxy/disable。
func (h *Handler) HandleDisable(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if err := h.ctrl.Disable(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]bool{"disabled": true})
}

func (h *Handler) HandleRandom(w http.ResponseWriter, r *http.Request) {
	h.handleSwitch(w, r, h.ctrl.ChooseRandom)
}

func (h *Handler) HandleNext(w http.ResponseWriter, r *http.Request) {
	h.handleSwitch(w, r, h.ctrl.ChooseNext)
}

func (h *Handler) HandleSmart(w http.ResponseWriter, r *http.Request) {
	h.handleSwitch(w, r, h.ctrl.SmartSwitch)
}

func (h *Handler) handleSwitch(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*switcher.Result, error)) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	req := protocolRequest{Protocol: r.URL.Query().Get("protocol")}
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "Invalid JSON format")
		return
	}
	res, err := op(r.Context(), req.Protocol)
	h.finishSwitch(w, res, err)
}

func (h *Handler) finishSwitch(w http.ResponseWriter, res *switcher.Result, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	if h.hub != nil {
		h.hub.BroadcastSwitch(res)
	}
	writeOK(w, res)
}

// HandleIP 处理 GET /api/ip，通过当前配置查询公网 IP。
func (h *Handler) HandleIP(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	ip, err := h.ctrl.CheckIP(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, ip)
}

// HandlePrefs 处理 POST /api/prefs。
func (h *Handler) HandlePrefs(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var prefs settings.UIPrefs
	if err := decodeBody(r, &prefs); err != nil {
		badRequest(w, "Invalid JSON format")
		return
	}
	saved, err := h.ctrl.SavePrefs(r.Context(), prefs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, saved)
}

// HandleStatus 处理 GET /api/status，不需要认证。
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"enabled": h.badge.On(),
		"badge":   h.badge.Text(),
	}
	if h.hub != nil {
		status["ws_clients"] = h.hub.ClientCount()
	}
	writeOK(w, status)
}

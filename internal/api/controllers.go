package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tracking-core/internal/apperr"
	"tracking-core/internal/engine"
	"tracking-core/internal/mode"
	"tracking-core/internal/order"
	"tracking-core/internal/position"
)

type listQuery struct {
	Status     string `form:"status"`
	Symbol     string `form:"symbol"`
	WalletID   string `form:"wallet_id"`
	PositionID string `form:"position_id"`
	Limit      int    `form:"limit"`
	Offset     int    `form:"offset"`
}

func (q *listQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	q.Symbol = strings.ToUpper(strings.TrimSpace(q.Symbol))
}

func (q listQuery) statuses() []string {
	if q.Status == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(q.Status, ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) (int, string) {
	kind := apperr.KindOf(err)
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound, string(kind)
	case apperr.KindInvalidState, apperr.KindConflict:
		return http.StatusConflict, string(kind)
	case apperr.KindModeMismatch:
		return http.StatusForbidden, string(kind)
	case apperr.KindVenue:
		return http.StatusBadGateway, string(kind)
	case apperr.KindValidation:
		return http.StatusBadRequest, string(kind)
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}

func (s *Server) fail(c *gin.Context, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	respondError(c, status, code, err.Error())
}

// failWith reports err but still returns the entity the command left
// behind, e.g. a position whose entry order the venue rejected.
func (s *Server) failWith(c *gin.Context, err error, key string, entity any) {
	status, code := statusFor(err)
	c.JSON(status, gin.H{
		"code":  code,
		"error": err.Error(),
		key:     entity,
	})
}

// requestMode refines the implicit mode with the wallet named in a body.
func (s *Server) requestMode(c *gin.Context, walletID string) mode.Mode {
	if modeExplicit(c) || walletID == "" {
		return CurrentMode(c)
	}
	var implied mode.Mode
	if m, err := s.Engine.WalletMode(c.Request.Context(), walletID); err == nil {
		implied = m
	}
	return mode.Resolve("", implied)
}

func (s *Server) user(c *gin.Context) (string, bool) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "user not authenticated")
		return "", false
	}
	return userID, true
}

// --- Orders ---

func (s *Server) createOrder(c *gin.Context) {
	userID, ok := s.user(c)
	if !ok {
		return
	}
	var req engine.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	m := s.requestMode(c, req.WalletID)
	o, err := s.Engine.CreateOrder(c.Request.Context(), userID, m, req)
	if err != nil {
		if o != nil {
			s.failWith(c, err, "order", o)
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, o)
}

func (s *Server) listOrders(c *gin.Context) {
	userID, ok := s.user(c)
	if !ok {
		return
	}
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()

	f := order.Filters{Symbol: q.Symbol, WalletID: q.WalletID, PositionID: q.PositionID, Limit: q.Limit, Offset: q.Offset}
	for _, st := range q.statuses() {
		status := order.Status(st)
		if !status.Valid() {
			respondError(c, http.StatusBadRequest, "INVALID_QUERY", "unknown order status "+st)
			return
		}
		f.Status = append(f.Status, status)
	}
	orders, err := s.Engine.ListOrders(c.Request.Context(), userID, CurrentMode(c), f)
	if err != nil {
		s.fail(c, err)
		return
	}
	if orders == nil {
		orders = []*order.Order{}
	}
	c.Header("X-Result-Limit", strconv.Itoa(q.Limit))
	c.JSON(http.StatusOK, orders)
}

func (s *Server) getOrder(c *gin.Context) {
	userID, ok := s.user(c)
	if !ok {
		return
	}
	o, err := s.Engine.GetOrder(c.Request.Context(), userID, CurrentMode(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) cancelOrder(c *gin.Context) {
	userID, ok := s.user(c)
	if !ok {
		return
	}
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)
	o, err := s.Engine.CancelOrder(c.Request.Context(), userID, CurrentMode(c), c.Param("id"), req.Reason)
	if err != nil {
		if o != nil {
			s.failWith(c, err, "order", o)
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) deleteOrder(c *gin.Context) {
	userID, ok := s.user(c)
	if !ok {
		return
	}
	if err := s.Engine.DeleteOrder(c.Request.Context(), userID, CurrentMode(c), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) monitorOrder(c *gin.Context) {
	userID, ok := s.user(c)
	if !ok {
		return
	}
	out, err := s.Engine.MonitorOrder(c.Request.Context(), userID, CurrentMode(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- Positions ---

func (s *Server) createPosition(c *gin.Context) {
	userID, ok := s.user(c)
	if !ok {
		return
	}
	var req engine.CreatePositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	m := s.requestMode(c, req.WalletID)
	p, err := s.Engine.CreatePosition(c.Request.Context(), userID, m, req)
	if err != nil {
		if p != nil {
			s.failWith(c, err, "position", p)
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) listPositions(c *gin.Context) {
	userID, ok := s.user(c)
	if !ok {
		return
	}
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()

	f := position.Filters{Symbol: q.Symbol, WalletID: q.WalletID, Limit: q.Limit, Offset: q.Offset}
	for _, st := range q.statuses() {
		status := position.Status(st)
		if !status.Valid() {
			respondError(c, http.StatusBadRequest, "INVALID_QUERY", "unknown position status "+st)
			return
		}
		f.Status = append(f.Status, status)
	}
	positions, err := s.Engine.ListPositions(c.Request.Context(), userID, CurrentMode(c), f)
	if err != nil {
		s.fail(c, err)
		return
	}
	if positions == nil {
		positions = []*position.Position{}
	}
	c.Header("X-Result-Limit", strconv.Itoa(q.Limit))
	c.JSON(http.StatusOK, positions)
}

func (s *Server) getPosition(c *gin.Context) {
	userID, ok := s.user(c)
	if !ok {
		return
	}
	p, err := s.Engine.GetPosition(c.Request.Context(), userID, CurrentMode(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) updatePosition(c *gin.Context) {
	userID, ok := s.user(c)
	if !ok {
		return
	}
	var upd engine.PositionUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	p, err := s.Engine.UpdatePosition(c.Request.Context(), userID, CurrentMode(c), c.Param("id"), upd)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) closePosition(c *gin.Context) {
	userID, ok := s.user(c)
	if !ok {
		return
	}
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)
	p, err := s.Engine.ClosePosition(c.Request.Context(), userID, CurrentMode(c), c.Param("id"), req.Reason)
	if err != nil {
		if p != nil {
			s.failWith(c, err, "position", p)
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) monitorPosition(c *gin.Context) {
	userID, ok := s.user(c)
	if !ok {
		return
	}
	res, err := s.Engine.MonitorPosition(c.Request.Context(), userID, CurrentMode(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) positionPrices(c *gin.Context) {
	userID, ok := s.user(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	points, err := s.Engine.PositionPriceLog(c.Request.Context(), userID, CurrentMode(c), c.Param("id"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if points == nil {
		points = []engine.PricePoint{}
	}
	c.JSON(http.StatusOK, points)
}

// --- Wallets ---

func (s *Server) listWallets(c *gin.Context) {
	userID, ok := s.user(c)
	if !ok {
		return
	}
	wallets, err := s.Engine.ListWallets(c.Request.Context(), userID, CurrentMode(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, wallets)
}

func (s *Server) registerWallet(c *gin.Context) {
	userID, ok := s.user(c)
	if !ok {
		return
	}
	var req engine.RegisterWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	if req.Mode == "" && modeExplicit(c) {
		req.Mode = CurrentMode(c).String()
	}
	w, err := s.Engine.RegisterWallet(c.Request.Context(), userID, req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (s *Server) walletBalances(c *gin.Context) {
	userID, ok := s.user(c)
	if !ok {
		return
	}
	walletID := c.Param("id")
	balances, err := s.Engine.WalletBalances(c.Request.Context(), userID, s.requestMode(c, walletID), walletID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, balances)
}

func (s *Server) listProviders(c *gin.Context) {
	providers, err := s.Engine.Providers(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, providers)
}

// --- System ---

func (s *Server) getSystemStatus(c *gin.Context) {
	st := s.Engine.GetSystemStatus(c.Request.Context())
	if s.Bus != nil {
		c.Header("X-Bus-Dropped", strconv.FormatUint(s.Bus.Dropped(), 10))
	}
	c.JSON(http.StatusOK, st)
}

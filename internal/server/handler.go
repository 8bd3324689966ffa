package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"medconnect/internal/auth"
	"medconnect/internal/models"
	"medconnect/internal/service"
	"medconnect/internal/store"
	"medconnect/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	records  *service.RecordService
	messages *service.MessageService
	registry *ws.Registry
}

func NewHandler(records *service.RecordService, messages *service.MessageService, registry *ws.Registry) *Handler {
	return &Handler{records: records, messages: messages, registry: registry}
}

// ListPatientRecords 按日期范围或记录类型查询某患者的记录，按 record_date 降序。
func (h *Handler) ListPatientRecords(c *gin.Context) {
	patientID, ok := pathID(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid patient id"})
		return
	}
	limit := queryLimit(c, 50, 200)
	who := auth.GetIdentity(c)

	recordType := c.Query("type")
	var (
		recs []models.MedicalRecord
		err  error
	)
	if recordType != "" {
		if c.Query("from") != "" || c.Query("to") != "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "type cannot be combined with from/to"})
			return
		}
		recs, err = h.records.ByType(c.Request.Context(), who, patientID, recordType, limit)
	} else {
		var r store.DateRange
		if r.From, err = queryTime(c, "from", false); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
			return
		}
		if r.To, err = queryTime(c, "to", true); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to"})
			return
		}
		recs, err = h.records.ByDate(c.Request.Context(), who, patientID, r, limit)
	}
	if err != nil {
		h.fail(c, err, "list patient records")
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

// CreatePatientRecord 写入一条记录，仅医生可调用。
func (h *Handler) CreatePatientRecord(c *gin.Context) {
	patientID, ok := pathID(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid patient id"})
		return
	}
	var req struct {
		RecordType string         `json:"record_type"`
		RecordDate time.Time      `json:"record_date"`
		Payload    models.Payload `json:"payload"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	rec := models.MedicalRecord{
		PatientID:  patientID,
		RecordType: req.RecordType,
		RecordDate: req.RecordDate,
		Payload:    req.Payload,
	}
	if _, err := h.records.Insert(c.Request.Context(), auth.GetIdentity(c), &rec); err != nil {
		h.fail(c, err, "create record")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"record": rec})
}

func (h *Handler) GetRecord(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid record id"})
		return
	}
	rec, err := h.records.Get(c.Request.Context(), auth.GetIdentity(c), id)
	if err != nil {
		h.fail(c, err, "get record")
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": rec})
}

// RecentRecords 返回跨患者的最新记录，仅医生可见。
func (h *Handler) RecentRecords(c *gin.Context) {
	recs, err := h.records.Recent(c.Request.Context(), auth.GetIdentity(c), queryLimit(c, 50, 200))
	if err != nil {
		h.fail(c, err, "recent records")
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

// ListMessages 返回与 peer 之间的历史消息，按 id 升序。
func (h *Handler) ListMessages(c *gin.Context) {
	peer, err := strconv.ParseInt(c.Query("peer"), 10, 64)
	if err != nil || peer <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer"})
		return
	}
	var beforeID int64
	if bid := c.Query("before_id"); bid != "" {
		if v, err := strconv.ParseInt(bid, 10, 64); err == nil && v > 0 {
			beforeID = v
		}
	}
	msgs, err := h.messages.History(c.Request.Context(), auth.GetIdentity(c), peer, queryLimit(c, 50, 200), beforeID)
	if err != nil {
		h.fail(c, err, "list messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) PendingMessages(c *gin.Context) {
	msgs, err := h.messages.Pending(c.Request.Context(), auth.GetIdentity(c), queryLimit(c, 100, 200))
	if err != nil {
		h.fail(c, err, "pending messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// AckPending 将调用者确认收到的消息标记为 delivered。
func (h *Handler) AckPending(c *gin.Context) {
	var req struct {
		MessageIDs []int64 `json:"message_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.MessageIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	n, err := h.messages.Ack(c.Request.Context(), auth.GetIdentity(c), req.MessageIDs)
	if err != nil {
		h.fail(c, err, "ack pending")
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": n})
}

// Presence 报告用户当前的在线连接数。
func (h *Handler) Presence(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	conns := h.registry.Connections(id)
	c.JSON(http.StatusOK, gin.H{"user_id": id, "online": len(conns) > 0, "connections": len(conns)})
}

// fail 把 service/store 错误映射为 HTTP 状态码，未知错误记录日志后返回 500。
func (h *Handler) fail(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, store.ErrInvalidRecord), errors.Is(err, service.ErrInvalidReceiver):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrWriteConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "write conflict"})
	case errors.Is(err, store.ErrUnavailable):
		log.Error().Err(err).Str("op", op).Msg("store unavailable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
	default:
		log.Error().Err(err).Str("op", op).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	return id, err == nil && id > 0
}

func queryLimit(c *gin.Context, def, ceiling int) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 || limit > ceiling {
		return def
	}
	return limit
}

// queryTime 接受 RFC3339 时间或 YYYY-MM-DD 日期，参数缺失时返回 nil。
// endOfDay 为 true 时，纯日期取当天最后一微秒，使上界包含整天。
func queryTime(c *gin.Context, name string, endOfDay bool) (*time.Time, error) {
	v := c.Query(name)
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1).Add(-time.Microsecond)
	}
	return &t, nil
}

package httptransport

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fwdmail/backend/internal/directory"
	"fwdmail/backend/internal/domain"
	"fwdmail/backend/internal/ledger"
	"fwdmail/backend/internal/storage"
	rediscache "fwdmail/backend/internal/storage/redis"
)

// attemptCacheTTL 台账列表查询的缓存时长。
// 面板轮询密集，台账只由引擎追加，短 TTL 足够新鲜。
const attemptCacheTTL = 10 * time.Second

// Handler 聚合面板只读接口的处理逻辑。
type Handler struct {
	ledger    *ledger.Service
	directory *directory.Directory
	cache     *rediscache.Cache // 可为 nil，此时直查主存储
	logger    *zap.Logger
}

// NewHandler 创建面板接口处理器。
func NewHandler(ledgerSvc *ledger.Service, dir *directory.Directory, cache *rediscache.Cache, logger *zap.Logger) *Handler {
	return &Handler{
		ledger:    ledgerSvc,
		directory: dir,
		cache:     cache,
		logger:    logger,
	}
}

// listAttempts GET /v1/attempts
//
// 查询参数: domain_id, status, since, until (RFC3339), limit
func (h *Handler) listAttempts(c *gin.Context) {
	filter := domain.AttemptFilter{
		DomainID: c.Query("domain_id"),
		Limit:    100,
	}

	if status := c.Query("status"); status != "" {
		filter.Status = domain.AttemptStatus(status)
	}
	if since := c.Query("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			BadRequest(c, "invalid since timestamp")
			return
		}
		filter.Since = &ts
	}
	if until := c.Query("until"); until != "" {
		ts, err := time.Parse(time.RFC3339, until)
		if err != nil {
			BadRequest(c, "invalid until timestamp")
			return
		}
		filter.Until = &ts
	}
	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 || limit > 1000 {
			BadRequest(c, "invalid limit (1-1000)")
			return
		}
		filter.Limit = limit
	}

	cacheKey := attemptFilterKey(filter)
	if h.cache != nil {
		if attempts, hit, err := h.cache.GetCachedAttemptList(c.Request.Context(), cacheKey); err == nil && hit {
			Success(c, attempts)
			return
		} else if err != nil {
			h.logger.Warn("attempt list cache read failed", zap.Error(err))
		}
	}

	attempts, err := h.ledger.List(filter)
	if err != nil {
		h.logger.Error("failed to list delivery attempts", zap.Error(err))
		InternalError(c, "查询投递记录失败")
		return
	}

	if h.cache != nil {
		if err := h.cache.CacheAttemptList(c.Request.Context(), cacheKey, attempts, attemptCacheTTL); err != nil {
			h.logger.Warn("attempt list cache write failed", zap.Error(err))
		}
	}

	Success(c, attempts)
}

// getAttempt GET /v1/attempts/:id
func (h *Handler) getAttempt(c *gin.Context) {
	attempt, err := h.ledger.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrAttemptNotFound) {
			NotFound(c, "投递记录不存在")
			return
		}
		h.logger.Error("failed to load delivery attempt", zap.Error(err))
		InternalError(c, "查询投递记录失败")
		return
	}
	Success(c, attempt)
}

// domainStatusView 域名验证状态的面板视图。
type domainStatusView struct {
	Name          string     `json:"name"`
	Status        string     `json:"status"`
	IsActive      bool       `json:"isActive"`
	CanReceive    bool       `json:"canReceive"`
	MXVerified    bool       `json:"mxVerified"`
	SPFVerified   bool       `json:"spfVerified"`
	DKIMVerified  bool       `json:"dkimVerified"`
	DMARCVerified bool       `json:"dmarcVerified"`
	CatchAll      bool       `json:"catchAll"`
	Aliases       int        `json:"aliases"`
	VerifiedAt    *time.Time `json:"verifiedAt"`
	LastCheckAt   *time.Time `json:"lastCheckAt"`
}

// getDomainStatus GET /v1/domains/:name/status
//
// 读的是目录快照：和收信路径看到的是同一份配置。
func (h *Handler) getDomainStatus(c *gin.Context) {
	snap := h.directory.Snapshot()
	d, ok := snap.Domain(c.Param("name"))
	if !ok {
		NotFound(c, "域名不存在")
		return
	}

	Success(c, domainStatusView{
		Name:          d.Name,
		Status:        string(d.Status),
		IsActive:      d.IsActive,
		CanReceive:    d.CanReceive(),
		MXVerified:    d.MXVerified,
		SPFVerified:   d.SPFVerified,
		DKIMVerified:  d.DKIMVerified,
		DMARCVerified: d.DMARCVerified,
		CatchAll:      d.CatchAll != "",
		Aliases:       len(snap.Aliases(d.ID)),
		VerifiedAt:    d.VerifiedAt,
		LastCheckAt:   d.LastCheckAt,
	})
}

// attemptFilterKey 把查询条件编码为稳定的缓存键。
func attemptFilterKey(f domain.AttemptFilter) string {
	since, until := "", ""
	if f.Since != nil {
		since = f.Since.UTC().Format(time.RFC3339)
	}
	if f.Until != nil {
		until = f.Until.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("%s|%s|%s|%s|%d", f.DomainID, f.Status, since, until, f.Limit)
}

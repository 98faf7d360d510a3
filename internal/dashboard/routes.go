package dashboard

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/chorusbot/chorus/internal/models"
	"github.com/chorusbot/chorus/internal/pool"
	"github.com/chorusbot/chorus/internal/registry"
	"github.com/gin-gonic/gin"
)

// assistantView is the per-assistant row exposed over the API. The stored
// credential deliberately has no field here.
type assistantView struct {
	ID          int       `json:"id"`
	Name        string    `json:"name"`
	Username    string    `json:"username,omitempty"`
	Active      bool      `json:"active"`
	Connected   bool      `json:"connected"`
	ActiveCalls int       `json:"active_calls"`
	TotalCalls  int64     `json:"total_calls"`
	AddedAt     time.Time `json:"added_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

// registerRoutes sets up all dashboard routes on the gin router.
func registerRoutes(router *gin.Engine, reg *registry.Registry, pm *pool.Manager) {
	router.GET("/", handleIndex(reg, pm))
	router.GET("/api/stats", handleStats(pm))
	router.GET("/api/assistants", handleAssistants(reg, pm))
}

func handleIndex(reg *registry.Registry, pm *pool.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		views, err := assistantViews(reg, pm)
		if err != nil {
			c.String(http.StatusInternalServerError, "storage error")
			return
		}
		c.HTML(http.StatusOK, "index.html", gin.H{
			"stats":      pm.PoolStats(),
			"assistants": views,
		})
	}
}

func handleStats(pm *pool.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, pm.PoolStats())
	}
}

func handleAssistants(reg *registry.Registry, pm *pool.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		views, err := assistantViews(reg, pm)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "storage error"})
			return
		}
		c.JSON(http.StatusOK, views)
	}
}

func assistantViews(reg *registry.Registry, pm *pool.Manager) ([]assistantView, error) {
	recs, err := reg.GetAll()
	if err != nil {
		return nil, err
	}
	views := make([]assistantView, 0, len(recs))
	for _, rec := range recs {
		v := assistantView{
			ID:         rec.ID,
			Name:       rec.Name,
			Active:     rec.Active,
			TotalCalls: rec.TotalCalls,
			AddedAt:    rec.AddedAt,
			LastUsedAt: rec.LastUsedAt,
		}
		if rec.UserInfo != "" {
			var info models.UserInfo
			if err := json.Unmarshal([]byte(rec.UserInfo), &info); err == nil {
				v.Username = info.Username
			}
		}
		if client, ok := pm.Get(rec.ID); ok {
			v.Connected = client.Connected()
			v.ActiveCalls = client.ActiveCallsCount()
		}
		views = append(views, v)
	}
	return views, nil
}

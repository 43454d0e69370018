package v1

import (
	"github.com/gin-gonic/gin"
)

// InventoryRouteHandler defines the routes an inventory handler serves.
type InventoryRouteHandler interface {
	AddStock(c *gin.Context)
	RemoveStock(c *gin.Context)
	GetAccount(c *gin.Context)
	FindAccount(c *gin.Context)
	ListAccounts(c *gin.Context)
	ListBatches(c *gin.Context)
	ExpiringBatches(c *gin.Context)
	ListMovements(c *gin.Context)
	Reconcile(c *gin.Context)
	ResumeSync(c *gin.Context)
	UpdateSettings(c *gin.Context)
	Deactivate(c *gin.Context)
	Reactivate(c *gin.Context)
	Availability(c *gin.Context)
}

// RegisterInventoryRoutes wires the inventory endpoints onto group.
//
// Usage:
//
//	handler := handlers.NewInventoryHandler(baseHandler, service, snapshots)
//	RegisterInventoryRoutes(api.Group("/inventory"), handler)
func RegisterInventoryRoutes(group *gin.RouterGroup, handler InventoryRouteHandler) {
	stock := group.Group("/stock")
	stock.POST("/add", handler.AddStock)
	stock.POST("/remove", handler.RemoveStock)

	accounts := group.Group("/accounts")
	accounts.GET("", handler.ListAccounts)
	accounts.GET("/lookup", handler.FindAccount)
	accounts.GET("/:id", handler.GetAccount)
	accounts.GET("/:id/batches", handler.ListBatches)
	accounts.GET("/:id/movements", handler.ListMovements)
	accounts.POST("/:id/reconcile", handler.Reconcile)
	accounts.POST("/:id/resume-sync", handler.ResumeSync)
	accounts.PATCH("/:id/settings", handler.UpdateSettings)
	accounts.POST("/:id/deactivate", handler.Deactivate)
	accounts.POST("/:id/reactivate", handler.Reactivate)

	group.GET("/batches/expiring", handler.ExpiringBatches)
	group.GET("/availability", handler.Availability)
}

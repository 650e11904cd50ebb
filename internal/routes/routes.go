package routes

import (
	"github.com/gin-gonic/gin"

	"brokercrm/internal/handlers"
	"brokercrm/internal/middleware"
)

func SetupRoutes(
	r *gin.Engine,
	jwtSecret []byte,
	leadHandler *handlers.LeadHandler,
	dealHandler *handlers.DealHandler,
	notificationHandler *handlers.NotificationHandler,
	integrationsHandler *handlers.IntegrationsHandler, // nil when the bot is disabled
) *gin.Engine {

	// ---- public
	if integrationsHandler != nil {
		r.POST("/integrations/telegram/webhook", integrationsHandler.Webhook)
	}

	// ---- protected
	api := r.Group("/")
	api.Use(middleware.AuthMiddleware(jwtSecret))
	api.Use(middleware.ReadOnlyGuard())

	// LEADS
	leads := api.Group("/leads")
	{
		leads.POST("", leadHandler.Create)
		leads.GET("", leadHandler.List)
		leads.GET("/stats", leadHandler.Stats)
		leads.GET("/analytics", leadHandler.Analytics)
		leads.GET("/by-number/:number", leadHandler.GetByNumber)
		leads.GET("/:id", leadHandler.GetByID)
		leads.PUT("/:id", leadHandler.Update)
		leads.DELETE("/:id", leadHandler.Delete)
		leads.PATCH("/:id/field", leadHandler.UpdateField)
		leads.PUT("/:id/tags", leadHandler.UpdateTags)
		leads.POST("/:id/stage", leadHandler.UpdateStage)
		leads.PUT("/:id/pool", leadHandler.AssignPool)
		leads.DELETE("/:id/pool", leadHandler.RemovePool)
		leads.POST("/:id/notes", leadHandler.AddNote)
		leads.GET("/:id/notes", leadHandler.ListNotes)
		leads.DELETE("/:id/notes/:noteId", leadHandler.DeleteNote)
		leads.POST("/:id/contact-log", leadHandler.AddContactLog)
		leads.GET("/:id/activities", leadHandler.Activities)
		leads.POST("/:id/convert", leadHandler.ConvertToDeal)
	}

	// DEALS
	deals := api.Group("/deals")
	{
		deals.POST("", dealHandler.Create)
		deals.GET("", dealHandler.List)
		deals.GET("/stats", dealHandler.Stats)
		deals.GET("/by-number/:number", dealHandler.GetByNumber)
		deals.GET("/:id", dealHandler.GetByID)
		deals.PUT("/:id", dealHandler.Update)
		deals.DELETE("/:id", dealHandler.Delete)
		deals.POST("/:id/stage", dealHandler.UpdateStage)
		deals.POST("/:id/won", dealHandler.CloseWon)
		deals.POST("/:id/lost", dealHandler.CloseLost)
		deals.GET("/:id/activities", dealHandler.Activities)
		deals.GET("/:id/commission", dealHandler.Commission)
	}

	// NOTIFICATIONS (personal settings, open to read-only roles too)
	self := r.Group("/", middleware.AuthMiddleware(jwtSecret))
	{
		self.GET("/notifications", notificationHandler.ListMine)
		self.POST("/me/telegram/link", notificationHandler.RequestTelegramLink)
		self.DELETE("/me/telegram", notificationHandler.UnlinkTelegram)
	}

	return r
}

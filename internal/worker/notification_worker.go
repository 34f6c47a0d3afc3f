package worker

import (
	"go.uber.org/zap"

	"github.com/kyeliu99/PFlow/internal/service"
)

// StartNotificationWorker registers notification handlers on the
// dispatcher. Handlers run synchronously with the publishing transition.
func StartNotificationWorker(notificationService *service.NotificationService, logger *zap.Logger) {
	if notificationService == nil {
		return
	}
	notificationService.RegisterHandlers()
	if logger != nil {
		logger.Info("notification handlers registered")
	}
}

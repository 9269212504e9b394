package cmd

import (
	"log/slog"

	"github.com/castellanhq/castellan/pkg/actions/activity"
	"github.com/castellanhq/castellan/pkg/actions/fieldupdate"
	"github.com/castellanhq/castellan/pkg/actions/notification"
	"github.com/castellanhq/castellan/pkg/actions/webhook"
	"github.com/castellanhq/castellan/pkg/entities"
	"github.com/castellanhq/castellan/pkg/notify"
	"github.com/castellanhq/castellan/pkg/registry"
)

// NewRegistry builds the executor registry with every native action type.
func NewRegistry(log *slog.Logger, store entities.Store, models *entities.Registry, notifier notify.Notifier) *registry.Registry {
	reg := registry.NewRegistry(log)

	reg.RegisterExecutor(webhook.NewExecutorFactory())
	reg.RegisterExecutor(notification.NewExecutorFactory(notifier))
	reg.RegisterExecutor(activity.NewExecutorFactory(store))
	reg.RegisterExecutor(fieldupdate.NewExecutorFactory(store, models))

	return reg
}

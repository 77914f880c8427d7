package handler

import (
	"clickbit/internal/app/presence"
	"clickbit/internal/app/user"
	"clickbit/internal/configs"
)

// AppDeps is everything the HTTP layer needs, wired once in main.
type AppDeps struct {
	Registry *presence.Registry
	Config   *configs.AppConfig
	Users    user.Store
}

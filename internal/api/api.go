package api

import (
	"tenant-gateway/internal/auth"
	"tenant-gateway/internal/config"
	"tenant-gateway/internal/gateway"
	"tenant-gateway/internal/pool"
)

type API struct {
	Gateway   *gateway.Gateway
	Pools     *pool.Manager
	AuthCache *auth.Cache
	Cfg       *config.Config
}

func NewAPI(gw *gateway.Gateway, pools *pool.Manager, authCache *auth.Cache, cfg *config.Config) *API {
	return &API{
		Gateway:   gw,
		Pools:     pools,
		AuthCache: authCache,
		Cfg:       cfg,
	}
}

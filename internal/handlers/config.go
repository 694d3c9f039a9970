package handlers

import (
	"net/http"

	"certdepot/config"
	"certdepot/internal/logger"
)

// ConfigResponse holds the server settings safe to expose.
type ConfigResponse struct {
	Env                string `json:"env"`
	Address            string `json:"address"`
	ProcessCount       int    `json:"processCount"`
	MaxConnectionQueue int    `json:"maxConnectionQueue"`
	StrictProtocol     bool   `json:"strictProtocol"`
	InventoryTTL       int    `json:"inventoryTtlSeconds"`
}

// GetConfig returns the running configuration.
func GetConfig(cfg config.Config, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := ConfigResponse{
			Env:                string(cfg.Env),
			Address:            cfg.Server.Address(),
			ProcessCount:       cfg.Server.ProcessCount,
			MaxConnectionQueue: cfg.Server.MaxConnectionQueue,
			StrictProtocol:     cfg.Server.StrictProtocol,
			InventoryTTL:       int(cfg.InventoryTTL.Seconds()),
		}
		writeJSON(w, r, &log, resp)
	}
}

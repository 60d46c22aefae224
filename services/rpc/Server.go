package rpc

import (
	"context"
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mazanetwork/maza/services/core"
	"github.com/mazanetwork/maza/settings"
	"github.com/mazanetwork/maza/ulogger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the admin HTTP API: the `snode list|status` surface of the
// coordination layer plus health and metrics.
type Server struct {
	logger   ulogger.Logger
	settings *settings.Settings
	core     *core.Core
	e        *echo.Echo
}

type snodeRow struct {
	Outpoint      string `json:"outpoint"`
	Addr          string `json:"addr"`
	State         string `json:"state"`
	Proto         uint32 `json:"proto"`
	LastPing      int64  `json:"last_ping"`
	LastPaidBlock uint32 `json:"last_paid_block"`
	PoSeBanScore  int32  `json:"pose_ban_score"`
}

type statusResponse struct {
	State    string `json:"state"`
	Status   string `json:"status"`
	Outpoint string `json:"outpoint,omitempty"`
}

type sentinelRequest struct {
	Current bool   `json:"current"`
	Version uint32 `json:"version"`
}

type syncResponse struct {
	AssetName string `json:"asset_name"`
	Synced    bool   `json:"synced"`
}

type winnerResponse struct {
	Height uint32 `json:"height"`
	Payee  string `json:"payee"`
	Votes  int    `json:"votes"`
}

func New(logger ulogger.Logger, tSettings *settings.Settings, c *core.Core) *Server {
	return &Server{
		logger:   logger,
		settings: tSettings,
		core:     c,
	}
}

// Start blocks serving the admin API until the listener fails or the
// context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.settings.AdminHTTPListenAddress == "" {
		return nil
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())

	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.GET("/api/v1/snodes", s.handleList)
	e.GET("/api/v1/snode/status", s.handleStatus)
	e.POST("/api/v1/snode/start", s.handleStart)
	e.POST("/api/v1/snode/sentinel", s.handleSentinel)
	e.GET("/api/v1/winners", s.handleWinners)
	e.GET("/api/v1/sync", s.handleSync)

	s.e = e

	go func() {
		<-ctx.Done()
		_ = e.Close()
	}()

	s.logger.Infof("[RPC] admin API listening on %s", s.settings.AdminHTTPListenAddress)
	return e.Start(s.settings.AdminHTTPListenAddress)
}

func (s *Server) handleList(c echo.Context) error {
	infos := s.core.Registry.GetAllInfo()

	rows := make([]snodeRow, 0, len(infos))
	for _, info := range infos {
		rows = append(rows, snodeRow{
			Outpoint:      info.Outpoint.String(),
			Addr:          info.Addr,
			State:         info.State.String(),
			Proto:         info.ProtocolVersion,
			LastPing:      info.LastPingTime,
			LastPaidBlock: info.LastPaidBlock,
			PoSeBanScore:  info.PoSeBanScore,
		})
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].Outpoint < rows[j].Outpoint })

	return c.JSON(http.StatusOK, rows)
}

func (s *Server) handleStatus(c echo.Context) error {
	resp := statusResponse{
		State:  s.core.Activator.State(),
		Status: s.core.Activator.Status(),
	}
	if outpoint, started := s.core.Activator.Outpoint(); started {
		resp.Outpoint = outpoint.String()
	}
	return c.JSON(http.StatusOK, resp)
}

// handleStart re-runs the activator immediately with the configured
// operator key instead of waiting for the next tick.
func (s *Server) handleStart(c echo.Context) error {
	if !s.settings.Snode.Enabled {
		return c.String(http.StatusPreconditionFailed, "snode mode is not enabled")
	}

	s.core.Activator.ManageState(c.Request().Context())
	return s.handleStatus(c)
}

// handleSentinel is how the external watchdog reports in. The state is
// stamped into every subsequent ping.
func (s *Server) handleSentinel(c echo.Context) error {
	if !s.settings.Snode.Enabled {
		return c.String(http.StatusPreconditionFailed, "snode mode is not enabled")
	}

	var req sentinelRequest
	if err := c.Bind(&req); err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}

	s.core.Activator.SetSentinelState(req.Current, req.Version)
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleWinners(c echo.Context) error {
	tip := s.core.Registry.CachedHeight()

	winners := make([]winnerResponse, 0, 20)
	for h := tip; h <= tip+10; h++ {
		payee, votes := s.core.Payments.GetBestPayee(h)
		if payee == nil {
			continue
		}
		winners = append(winners, winnerResponse{Height: h, Payee: hexEncode(payee), Votes: votes})
	}

	return c.JSON(http.StatusOK, winners)
}

func (s *Server) handleSync(c echo.Context) error {
	return c.JSON(http.StatusOK, syncResponse{
		AssetName: s.core.Sync.AssetName(),
		Synced:    s.core.Sync.IsSynced(),
	})
}

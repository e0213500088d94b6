package hub

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/vhubd/vhubd/internal/store"
)

// AdminServer exposes a read-only HTTP status surface alongside the NMDC
// listener: hub-wide counters, the logged-in user list, and the active
// ban list. It never mutates hub state directly — bans are inserted and
// lifted through the NMDC admin commands, not this surface.
type AdminServer struct {
	hub   *Server
	store *store.Store
	echo  *echo.Echo
}

// NewAdminServer builds an AdminServer wired to hub and registers routes.
func NewAdminServer(hub *Server, st *store.Store) *AdminServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[admin] %s %s %d", v.Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = jsonErrorHandler

	a := &AdminServer{hub: hub, store: st, echo: e}
	a.registerRoutes()
	return a
}

func (a *AdminServer) registerRoutes() {
	a.echo.GET("/status", a.handleStatus)
	a.echo.GET("/users", a.handleUsers)
	a.echo.GET("/bans", a.handleBans)
}

// Run starts the admin HTTP server on addr and blocks until ctx is
// cancelled, shutting down gracefully.
func (a *AdminServer) Run(ctx context.Context, addr string) {
	go func() {
		if err := a.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Printf("[admin] server error: %v", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.echo.Shutdown(shutCtx); err != nil {
		log.Printf("[admin] shutdown: %v", err)
	}
}

// StatusResponse is the payload for GET /status.
type StatusResponse struct {
	HubName   string `json:"hub_name"`
	Users     int    `json:"users"`
	ZlibSaved int64  `json:"zlib_saved_bytes"`
	TTHSaved  int64  `json:"tths_saved_bytes"`
}

func (a *AdminServer) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		HubName:   a.hub.cfg.HubName,
		Users:     a.hub.users.Count(),
		ZlibSaved: a.hub.zlibStats.ZlibSaved(),
		TTHSaved:  a.hub.zlibStats.TTHSSaved(),
	})
}

// UserInfo is one entry of GET /users.
type UserInfo struct {
	Nick      string `json:"nick"`
	Class     string `json:"class"`
	ShareSize string `json:"share_size"`
	IP        string `json:"ip"`
}

func (a *AdminServer) handleUsers(c echo.Context) error {
	snapshot := a.hub.users.Snapshot()
	out := make([]UserInfo, 0, len(snapshot))
	for _, u := range snapshot {
		ip := ""
		if u.IP != nil {
			ip = u.IP.String()
		}
		out = append(out, UserInfo{
			Nick:      u.Nick,
			Class:     ClassName(u.Class),
			ShareSize: humanize.Bytes(u.ShareSize),
			IP:        ip,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (a *AdminServer) handleBans(c echo.Context) error {
	rows, err := a.store.ListBans(c.Request().Context(), time.Now())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if rows == nil {
		rows = []store.BanRow{}
	}
	return c.JSON(http.StatusOK, rows)
}

// jsonErrorHandler ensures every error response carries a consistent JSON
// body instead of Echo's default, which varies between text and JSON.
func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if !c.Response().Committed {
		if c.Request().Method == http.MethodHead {
			c.NoContent(code) //nolint:errcheck
		} else {
			c.JSON(code, map[string]string{"error": msg}) //nolint:errcheck
		}
	}
}

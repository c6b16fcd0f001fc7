package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"onlytask-api/domain"
	"onlytask-api/session"
)

const requestBodyMaxSize = 64 * 1024 // 64 KiB

const defaultStatsWindowDays = 30

// Deps bundles everything the route handlers need.
type Deps struct {
	Sessions      *session.Manager
	Profiles      Profiles
	Auth          Authenticator
	Reviews       *ReviewRegistry
	Dedup         Deduper
	WebhookSecret []byte
	Logger        *log.Logger
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	e.GET("/api/board", getBoard(d))
	e.POST("/api/board/reload", postBoardReload(d))
	e.PUT("/api/board/active", putActiveTask(d))

	e.POST("/api/tasks", postTask(d))
	e.PATCH("/api/tasks/:id", patchTask(d))
	e.POST("/api/tasks/:id/move", postTaskMove(d))
	e.POST("/api/tasks/:id/review", postTaskReview(d))
	e.DELETE("/api/tasks/:id", deleteTask(d))

	e.GET("/api/sops", getSOPs(d))
	e.POST("/api/sops", postSOP(d))
	e.PATCH("/api/sops/:id", patchSOP(d))
	e.DELETE("/api/sops/:id", deleteSOP(d))

	e.GET("/api/profile", getProfile(d))
	e.POST("/api/profile/premium/cancel", postPremiumCancel(d))
	e.GET("/api/stats", getStats(d))

	e.POST("/api/webhooks/payment", postPaymentWebhook(d))
	e.GET("/healthz", healthz())
}

type boardResponse struct {
	Columns       []domain.Column       `json:"columns"`
	Tasks         []domain.Task         `json:"tasks"`
	ActiveTaskID  string                `json:"activeTaskId,omitempty"`
	AboutToExpire []domain.Task         `json:"aboutToExpire"`
	ExpiryWarning session.ExpiryWarning `json:"expiryWarning"`
	PendingReview *domain.Task          `json:"pendingReview,omitempty"`
	IsPremium     bool                  `json:"isPremium"`
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

// board authenticates the request, resolves the caller's current tier from
// the profile row and returns their loaded board.
func (d Deps) board(c echo.Context) (string, *session.TaskBoard, error) {
	ctx := c.Request().Context()
	userID, err := d.Auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return "", nil, echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	premium := false
	profile, err := d.Profiles.GetProfile(ctx, userID)
	if err != nil {
		c.Logger().Error(err)
		return "", nil, echo.NewHTTPError(http.StatusInternalServerError, "profile lookup failed")
	}
	if profile != nil {
		premium = profile.IsPremium
	}
	board, err := d.Sessions.Board(ctx, userID, premium)
	if err != nil {
		c.Logger().Error(err)
		return "", nil, echo.NewHTTPError(http.StatusInternalServerError, "board load failed")
	}
	return userID, board, nil
}

func (d Deps) library(c echo.Context) (string, *session.SOPLibrary, error) {
	ctx := c.Request().Context()
	userID, err := d.Auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return "", nil, echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	lib, err := d.Sessions.Library(ctx, userID)
	if err != nil {
		c.Logger().Error(err)
		return "", nil, echo.NewHTTPError(http.StatusInternalServerError, "library load failed")
	}
	return userID, lib, nil
}

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, requestBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func getBoard(d Deps) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newBoardRequestMetrics(ctx, d.Logger)
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := d.Auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		loadStart := time.Now()
		premium := false
		profile, profileErr := d.Profiles.GetProfile(c.Request().Context(), userID)
		if profileErr != nil {
			metrics.SetErrorStage("profile")
			c.Logger().Error(profileErr)
			err = c.String(http.StatusInternalServerError, "profile lookup failed")
			return err
		}
		if profile != nil {
			premium = profile.IsPremium
		}
		board, loadErr := d.Sessions.Board(c.Request().Context(), userID, premium)
		metrics.ObserveLoad(time.Since(loadStart))
		if loadErr != nil {
			metrics.SetErrorStage("storage")
			c.Logger().Error(loadErr)
			err = c.String(http.StatusInternalServerError, "board load failed")
			return err
		}

		resp := boardResponse{
			Columns:       board.Columns(),
			Tasks:         board.Tasks(),
			AboutToExpire: board.AboutToExpire(),
			ExpiryWarning: board.Warning(),
			IsPremium:     premium,
		}
		if active, ok := board.ActiveTask(); ok {
			resp.ActiveTaskID = active.ID
		}
		if d.Reviews != nil {
			if pending, ok := d.Reviews.Pending(userID); ok {
				resp.PendingReview = &pending
			}
		}
		metrics.SetTasksReturned(len(resp.Tasks))
		metrics.SetWarningsShown(len(resp.ExpiryWarning.Tasks))

		err = c.JSON(http.StatusOK, resp)
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func postBoardReload(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := d.Auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		d.Sessions.Reload(userID)
		return c.NoContent(http.StatusNoContent)
	}
}

func putActiveTask(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		_, board, err := d.board(c)
		if err != nil {
			return err
		}
		var req struct {
			TaskID string `json:"taskId"`
		}
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if err := board.SetActiveTask(req.TaskID); err != nil {
			return c.String(http.StatusNotFound, err.Error())
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func postTask(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		_, board, err := d.board(c)
		if err != nil {
			return err
		}
		var u domain.TaskUpdate
		if err := decodeBody(c, &u); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		content := ""
		if u.Content != nil {
			content = strings.TrimSpace(*u.Content)
			u.Content = nil
		}
		task, err := board.Add(content, u)
		if err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}
		return c.JSON(http.StatusCreated, task)
	}
}

func patchTask(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		_, board, err := d.board(c)
		if err != nil {
			return err
		}
		var u domain.TaskUpdate
		if err := decodeBody(c, &u); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		task, err := board.Update(c.Param("id"), u)
		switch {
		case errors.Is(err, session.ErrTaskNotFound):
			return c.String(http.StatusNotFound, err.Error())
		case err != nil:
			return c.String(http.StatusBadRequest, err.Error())
		}
		return c.JSON(http.StatusOK, task)
	}
}

func postTaskMove(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		_, board, err := d.board(c)
		if err != nil {
			return err
		}
		var req struct {
			ColumnID string `json:"columnId"`
			OverID   string `json:"overId"`
		}
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if req.ColumnID == "" {
			return c.String(http.StatusBadRequest, "columnId is required")
		}
		id := c.Param("id")
		if err := board.Move(id, req.OverID, req.ColumnID); err != nil {
			return c.String(http.StatusNotFound, err.Error())
		}
		task, _ := board.Task(id)
		return c.JSON(http.StatusOK, task)
	}
}

func postTaskReview(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, board, err := d.board(c)
		if err != nil {
			return err
		}
		var req struct {
			Score int    `json:"score"`
			Note  string `json:"note"`
		}
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		id := c.Param("id")
		task, err := board.SubmitReview(id, req.Score, req.Note)
		switch {
		case errors.Is(err, session.ErrTaskNotFound):
			return c.String(http.StatusNotFound, err.Error())
		case err != nil:
			return c.String(http.StatusBadRequest, err.Error())
		}
		if d.Reviews != nil {
			d.Reviews.Clear(userID, id)
		}
		return c.JSON(http.StatusOK, task)
	}
}

func deleteTask(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		_, board, err := d.board(c)
		if err != nil {
			return err
		}
		if err := board.Delete(c.Param("id")); err != nil {
			return c.String(http.StatusNotFound, err.Error())
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func getSOPs(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		_, lib, err := d.library(c)
		if err != nil {
			return err
		}
		sops := lib.Search(c.QueryParam("query"), c.QueryParam("tag"))
		return c.JSON(http.StatusOK, sops)
	}
}

func postSOP(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		_, lib, err := d.library(c)
		if err != nil {
			return err
		}
		var u domain.SOPUpdate
		if err := decodeBody(c, &u); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		title, content := "", ""
		if u.Title != nil {
			title = strings.TrimSpace(*u.Title)
			u.Title = nil
		}
		if u.Content != nil {
			content = *u.Content
			u.Content = nil
		}
		var tags []string
		if u.Tags != nil {
			tags = u.Tags
			u.Tags = nil
		}
		sop, err := lib.Add(title, content, tags, u)
		if err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}
		return c.JSON(http.StatusCreated, sop)
	}
}

func patchSOP(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		_, lib, err := d.library(c)
		if err != nil {
			return err
		}
		var u domain.SOPUpdate
		if err := decodeBody(c, &u); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		sop, err := lib.Update(c.Param("id"), u)
		switch {
		case errors.Is(err, session.ErrSOPNotFound):
			return c.String(http.StatusNotFound, err.Error())
		case err != nil:
			return c.String(http.StatusBadRequest, err.Error())
		}
		return c.JSON(http.StatusOK, sop)
	}
}

func deleteSOP(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		_, lib, err := d.library(c)
		if err != nil {
			return err
		}
		if err := lib.Delete(c.Param("id")); err != nil {
			return c.String(http.StatusNotFound, err.Error())
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func getProfile(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := d.Auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		profile, err := d.Profiles.GetProfile(ctx, userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "profile lookup failed")
		}
		if profile == nil {
			profile = &domain.Profile{ID: userID, PremiumHistory: []domain.PremiumEvent{}}
		}
		return c.JSON(http.StatusOK, profile)
	}
}

// postPremiumCancel drops the caller back to the free tier and records the
// cancellation in the premium history. The downstream event is best effort,
// like the activation path in the payment webhook.
func postPremiumCancel(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := d.Auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		cancelledAt := time.Now().UTC()
		if err := d.Profiles.SetPremium(ctx, userID, false, cancelledAt); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "cancellation failed")
		}
		d.Logger.WithField("user", userID).Info("premium cancelled")
		if err := d.Profiles.EnqueuePremiumEvent(ctx, userID, domain.PremiumEvent{Type: domain.PremiumCancelled, Date: cancelledAt}); err != nil {
			d.Logger.WithError(err).Error("premium event enqueue failed")
		}
		profile, err := d.Profiles.GetProfile(ctx, userID)
		if err != nil || profile == nil {
			return c.NoContent(http.StatusNoContent)
		}
		return c.JSON(http.StatusOK, profile)
	}
}

func getStats(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		_, board, err := d.board(c)
		if err != nil {
			return err
		}
		days := defaultStatsWindowDays
		if raw := strings.TrimSpace(c.QueryParam("days")); raw != "" {
			parsed, parseErr := strconv.Atoi(raw)
			if parseErr != nil || parsed <= 0 {
				return c.String(http.StatusBadRequest, "invalid days")
			}
			days = parsed
		}
		stats := board.Stats(time.Duration(days) * 24 * time.Hour)
		return c.JSON(http.StatusOK, stats)
	}
}

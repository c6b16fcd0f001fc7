package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"onlytask-api/domain"
	"onlytask-api/storage"
)

// Payment provider status code for a successful transaction.
const paymentSuccessCode = "00"

type paymentWebhookRequest struct {
	Code      string          `json:"code"`
	Desc      string          `json:"desc"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

type paymentWebhookData struct {
	OrderCode int64  `json:"orderCode"`
	Amount    int64  `json:"amount"`
	Code      string `json:"code"`
}

type paymentWebhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// postPaymentWebhook handles payment notifications. The provider retries
// until it sees a 2xx, so everything that must not be retried answers 200
// even when nothing was activated; only a broken payload or a failed
// activation report an error status.
func postPaymentWebhook(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		body, err := io.ReadAll(io.LimitReader(c.Request().Body, requestBodyMaxSize))
		if err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		var req paymentWebhookRequest
		if err := json.Unmarshal(body, &req); err != nil || len(req.Data) == 0 {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if !verifyWebhookSignature(req.Data, req.Signature, d.WebhookSecret) {
			d.Logger.WithField("route", "/api/webhooks/payment").Warn("webhook signature mismatch")
			return c.String(http.StatusBadRequest, "invalid signature")
		}

		var data paymentWebhookData
		if err := json.Unmarshal(req.Data, &data); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if req.Code != paymentSuccessCode || !req.Success || data.Code != paymentSuccessCode {
			// Unsuccessful transactions and provider test pings are
			// acknowledged without touching any account.
			return c.JSON(http.StatusOK, paymentWebhookResponse{Success: true, Message: "ignored"})
		}

		orderCode := strconv.FormatInt(data.OrderCode, 10)
		logger := d.Logger.WithFields(log.Fields{"route": "/api/webhooks/payment", "order_code": orderCode})

		if d.Dedup != nil {
			fresh, err := d.Dedup.Add(ctx, orderCode)
			if err != nil {
				logger.WithError(err).Error("webhook dedupe unavailable")
				return c.String(http.StatusInternalServerError, "dedupe unavailable")
			}
			if !fresh {
				return c.JSON(http.StatusOK, paymentWebhookResponse{Success: true, Message: "already processed"})
			}
		}

		profile, err := d.Profiles.FindProfileByOrderCode(ctx, orderCode)
		if err != nil {
			if d.Dedup != nil {
				_ = d.Dedup.Remove(ctx, orderCode)
			}
			if errors.Is(err, storage.ErrOrderNotFound) {
				logger.Warn("payment for unknown order code")
				return c.JSON(http.StatusOK, paymentWebhookResponse{Success: true, Message: "no matching order"})
			}
			logger.WithError(err).Error("order lookup failed")
			return c.String(http.StatusInternalServerError, "order lookup failed")
		}

		activatedAt := time.Now().UTC()
		if err := d.Profiles.SetPremium(ctx, profile.ID, true, activatedAt); err != nil {
			if d.Dedup != nil {
				_ = d.Dedup.Remove(ctx, orderCode)
			}
			logger.WithError(err).Error("premium activation failed")
			return c.String(http.StatusInternalServerError, "activation failed")
		}
		logger.WithField("user", profile.ID).Info("premium activated")

		// The downstream event is best effort; the activation already
		// happened and must not be rolled back over a queue hiccup.
		if err := d.Profiles.EnqueuePremiumEvent(ctx, profile.ID, domain.PremiumEvent{Type: domain.PremiumActivated, Date: activatedAt}); err != nil {
			logger.WithError(err).Error("premium event enqueue failed")
		}

		return c.JSON(http.StatusOK, paymentWebhookResponse{Success: true})
	}
}

// verifyWebhookSignature checks the provider's HMAC-SHA256 signature over
// the data object: keys sorted alphabetically, rendered as a query string,
// nulls as empty strings and nested values as JSON.
func verifyWebhookSignature(data json.RawMessage, signature string, secret []byte) bool {
	if signature == "" || len(secret) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonicalWebhookData(data)))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func canonicalWebhookData(data json.RawMessage) string {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	fields := map[string]any{}
	if err := dec.Decode(&fields); err != nil {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte('&')
		}
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(canonicalWebhookValue(fields[k]))
	}
	return buf.String()
}

func canonicalWebhookValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}

package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	"github.com/tinywideclouds/go-fanout-service/pkg/dispatch"
)

// RecipientKind is the identifier shape the running gateway can deliver to.
type RecipientKind string

const (
	// RecipientToken is a gateway token (FCM, GCM, APNs).
	RecipientToken RecipientKind = "token"
	// RecipientSubscription is a browser push subscription (Web Push).
	RecipientSubscription RecipientKind = "subscription"
)

// DeviceAPI lets an authenticated user add or remove a device from the fan-out registry.
// Only devices of the Accepts kind are registered: the registry feeds a single gateway.
type DeviceAPI struct {
	Store   dispatch.DeviceStore
	Accepts RecipientKind
	Logger  *slog.Logger
}

func NewDeviceAPI(store dispatch.DeviceStore, accepts RecipientKind, logger *slog.Logger) *DeviceAPI {
	return &DeviceAPI{
		Store:   store,
		Accepts: accepts,
		Logger:  logger.With("component", "DeviceAPI", "accepts", string(accepts)),
	}
}

// DeviceRequest names a device by its gateway token (FCM, GCM, APNs) or by
// its browser push subscription. Exactly one must be set.
type DeviceRequest struct {
	Token        string                `json:"token,omitempty"`
	Subscription *webpush.Subscription `json:"subscription,omitempty"`
}

// recipient maps the request to the registry identifier. Subscriptions are
// stored as their JSON encoding, which is what the web gateway decodes.
func (req DeviceRequest) recipient(accepts RecipientKind) (dispatch.Recipient, string) {
	switch {
	case req.Token != "" && req.Subscription != nil:
		return "", "token and subscription are mutually exclusive"
	case req.Token != "":
		if accepts != RecipientToken {
			return "", "gateway expects a push subscription, not a token"
		}
		return dispatch.Recipient(req.Token), ""
	case req.Subscription != nil:
		if accepts != RecipientSubscription {
			return "", "gateway expects a device token, not a push subscription"
		}
		sub := req.Subscription
		if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
			return "", "incomplete subscription object"
		}
		raw, err := json.Marshal(sub)
		if err != nil {
			return "", "invalid subscription"
		}
		return dispatch.Recipient(raw), ""
	default:
		return "", "missing token"
	}
}

func (api *DeviceAPI) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, ok := middleware.GetUserHandleFromContext(ctx)
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	recipient, ok := api.decode(w, r)
	if !ok {
		return
	}

	if err := api.Store.RegisterRecipient(ctx, recipient, owner); err != nil {
		api.Logger.Error("failed to register device", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	api.Logger.Info("Device registered", "owner", owner)

	w.WriteHeader(http.StatusNoContent)
}

// UnregisterDevice is idempotent: removing an unknown device succeeds.
func (api *DeviceAPI) UnregisterDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, ok := middleware.GetUserHandleFromContext(ctx)
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	recipient, ok := api.decode(w, r)
	if !ok {
		return
	}

	if err := api.Store.RemoveRecipient(ctx, recipient); err != nil {
		api.Logger.Warn("failed to unregister device", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "failed to unregister device")
		return
	}
	api.Logger.Info("Device unregistered", "owner", owner)

	w.WriteHeader(http.StatusNoContent)
}

func (api *DeviceAPI) decode(w http.ResponseWriter, r *http.Request) (dispatch.Recipient, bool) {
	var req DeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return "", false
	}
	recipient, problem := req.recipient(api.Accepts)
	if problem != "" {
		api.Logger.Warn("Device request rejected", "reason", problem)
		response.WriteJSONError(w, http.StatusBadRequest, problem)
		return "", false
	}
	return recipient, true
}

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// FCMGateway delivers push notifications through the FCM HTTPv1 endpoint.
// Delivery is best-effort: callers treat every notification as
// fire-and-forget and never fail an operation on a push error.
type FCMGateway struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMGateway(endpoint, key string) *FCMGateway {
	return &FCMGateway{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

// CreateNotification posts one message. The device token travels in the
// payload under "push_token" when the caller knows it; without one the
// user ID is sent so an upstream relay can resolve the device.
func (f *FCMGateway) CreateNotification(ctx context.Context, userID, typ, message string, payload map[string]any) error {
	token := userID
	data := payload
	if t, ok := payload["push_token"].(string); ok && t != "" {
		token = t
		data = make(map[string]any, len(payload)-1)
		for k, v := range payload {
			if k != "push_token" {
				data[k] = v
			}
		}
	}
	body := map[string]any{
		"message": map[string]any{
			"token": token,
			"notification": map[string]any{
				"title": typ,
				"body":  message,
			},
			"data": data,
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

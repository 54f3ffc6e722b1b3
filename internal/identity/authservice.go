package identity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// AuthServiceProvider проверяет подпись запроса во внешнем сервисе авторизации
// (POST {url}/internal/validate). Клиент подписывает method + path + body + timestamp
// секретом сессии; параметры берутся из заголовков X-Session-Id, X-Timestamp,
// X-Signature или из query (для WebSocket).
type AuthServiceProvider struct {
	url    string
	client *http.Client
}

func NewAuthServiceProvider(url string, client *http.Client) *AuthServiceProvider {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &AuthServiceProvider{url: strings.TrimSuffix(url, "/"), client: client}
}

func param(r *http.Request, header, query string) string {
	if v := r.Header.Get(header); v != "" {
		return v
	}
	return r.URL.Query().Get(query)
}

func (p *AuthServiceProvider) Authenticate(r *http.Request) (User, error) {
	sessionID := param(r, "X-Session-Id", "session_id")
	timestamp := param(r, "X-Timestamp", "timestamp")
	signature := param(r, "X-Signature", "signature")
	if sessionID == "" || timestamp == "" || signature == "" {
		return User{}, ErrUnauthorized
	}
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return User{}, fmt.Errorf("identity: read body: %w", err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}
	// multipart подписывается с пустым телом
	bodyForSignature := string(body)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		bodyForSignature = ""
	}
	jsonBody, err := json.Marshal(map[string]string{
		"session_id": sessionID,
		"timestamp":  timestamp,
		"signature":  signature,
		"method":     r.Method,
		"path":       r.URL.Path,
		"body":       bodyForSignature,
	})
	if err != nil {
		return User{}, err
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, p.url+"/internal/validate", bytes.NewReader(jsonBody))
	if err != nil {
		return User{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return User{}, ErrUnauthorized
	}
	var result struct {
		UserID string `json:"user_id"`
		Name   string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || result.UserID == "" {
		return User{}, ErrUnauthorized
	}
	return User{ID: result.UserID, Name: result.Name}, nil
}

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ericfitz/realtime/internal/metrics"
)

// ErrProjectJoinRateLimited is returned when the web application sheds load
// on the join endpoint. Callers surface it to the client as a retryable
// condition.
var ErrProjectJoinRateLimited = errors.New("rate-limit hit when joining project")

// Project is the subset of project metadata the hub needs to admit a
// connection. The full map is passed through to the client untouched.
type Project map[string]any

// ProjectJoin is the web application's admission decision for one user and
// project.
type ProjectJoin struct {
	Project          Project        `json:"project"`
	PrivilegeLevel   PrivilegeLevel `json:"privilegeLevel"`
	IsRestrictedUser bool           `json:"isRestrictedUser"`
	IsTokenMember    bool           `json:"isTokenMember"`
	IsInvitedMember  bool           `json:"isInvitedMember"`
}

// WebAPIManager calls the web application, which owns project membership and
// authorization decisions.
type WebAPIManager struct {
	baseURL    string
	user       string
	password   string
	httpClient *http.Client
}

// NewWebAPIManager creates a client for the web application at baseURL,
// authenticating with the given basic-auth credentials.
func NewWebAPIManager(baseURL, user, password string, timeout time.Duration) *WebAPIManager {
	return &WebAPIManager{
		baseURL:    baseURL,
		user:       user,
		password:   password,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// JoinProject asks the web application whether the user may join the project
// and with what privilege. Anonymous users pass an empty userID.
func (m *WebAPIManager) JoinProject(ctx context.Context, projectID, userID string) (*ProjectJoin, error) {
	url := fmt.Sprintf("%s/project/%s/join?user_id=%s", m.baseURL, projectID, userID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(m.user, m.password)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := m.httpClient.Do(req)
	metrics.ServiceRequestDuration.WithLabelValues("web", "joinProject").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("join project request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return nil, ErrProjectJoinRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("non-success status code from web: %d", resp.StatusCode)
	}

	var join ProjectJoin
	if err := json.NewDecoder(resp.Body).Decode(&join); err != nil {
		return nil, fmt.Errorf("failed to decode join response: %w", err)
	}
	if join.Project == nil {
		return nil, errors.New("no data returned from joinProject request")
	}
	return &join, nil
}

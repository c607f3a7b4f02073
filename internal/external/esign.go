package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Kre8ivTech/client-portal-sub003/internal/billing"
	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// DefaultTokenRefreshSkew is how long before expiry a cached token is
// refreshed.
const DefaultTokenRefreshSkew = 60 * time.Second

// ESignClientConfig configures the e-signature provider client.
type ESignClientConfig struct {
	BaseURL      string
	AuthURL      string
	AccountID    string
	ClientID     string
	ClientSecret types.SecretString
	TemplateID   string
	RefreshSkew  time.Duration
	Logger       *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// ESignClient sends plan agreements through an e-signature provider using the
// OAuth client-credentials grant. The access token is cached per client
// until RefreshSkew before it expires; concurrent callers share a single
// refresh.
type ESignClient struct {
	base   *BaseClient
	cfg    ESignClientConfig
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	refresh   singleflight.Group
}

// NewESignClient creates an ESignClient.
func NewESignClient(httpClient *http.Client, cfg ESignClientConfig, opts ...BaseClientOption) *ESignClient {
	if cfg.RefreshSkew <= 0 {
		cfg.RefreshSkew = DefaultTokenRefreshSkew
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.AuthURL == "" {
		cfg.AuthURL = cfg.BaseURL + "/oauth/token"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &ESignClient{
		base:   NewBaseClient(httpClient, BreakerSettings{Name: "esign"}, DefaultRetryPolicy(), types.ErrCodeUpstreamESign, opts...),
		cfg:    cfg,
		logger: logger,
		now:    now,
	}
}

var _ billing.AgreementSender = (*ESignClient)(nil)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// accessToken returns a cached token or fetches a new one.
func (c *ESignClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && c.now().Add(c.cfg.RefreshSkew).Before(c.expiresAt) {
		tok := c.token
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	v, err, _ := c.refresh.Do("token", func() (any, error) {
		// A flight that started after another finished finds its token.
		c.mu.Lock()
		if c.token != "" && c.now().Add(c.cfg.RefreshSkew).Before(c.expiresAt) {
			tok := c.token
			c.mu.Unlock()
			return tok, nil
		}
		c.mu.Unlock()
		return c.fetchToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *ESignClient) fetchToken(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret.Unmask())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.base.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", types.NewAppError(types.ErrCodeUpstreamESign,
			fmt.Sprintf("e-signature token request returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamESign, "malformed e-signature token response", err)
	}
	if tr.AccessToken == "" {
		return "", types.NewAppError(types.ErrCodeUpstreamESign, "e-signature token response has no access_token", nil)
	}

	c.mu.Lock()
	c.token = tr.AccessToken
	c.expiresAt = c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	c.mu.Unlock()

	c.logger.DebugContext(ctx, "refreshed e-signature access token", "expires_in", tr.ExpiresIn)
	return tr.AccessToken, nil
}

// invalidate drops tok if it is still the cached token.
func (c *ESignClient) invalidate(tok string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == tok {
		c.token = ""
		c.expiresAt = time.Time{}
	}
}

type envelopeRequest struct {
	TemplateID string            `json:"template_id"`
	Status     string            `json:"status"`
	Signers    []envelopeSigner  `json:"signers"`
	Fields     map[string]string `json:"fields"`
	Metadata   map[string]string `json:"metadata"`
}

type envelopeSigner struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type envelopeResponse struct {
	EnvelopeID string `json:"envelope_id"`
	Status     string `json:"status"`
}

// SendAgreement creates and sends an envelope for the plan agreement. A 401
// invalidates the cached token and the request is retried once.
func (c *ESignClient) SendAgreement(ctx context.Context, ar billing.AgreementRequest) (string, error) {
	payload, err := json.Marshal(envelopeRequest{
		TemplateID: c.cfg.TemplateID,
		Status:     "sent",
		Signers: []envelopeSigner{{
			Name:  ar.Signer.Name,
			Email: ar.Signer.Email,
			Role:  "client",
		}},
		Fields: map[string]string{
			"plan_name":   ar.PlanName,
			"monthly_fee": strconv.FormatInt(ar.MonthlyFee, 10),
			"currency":    strings.ToUpper(ar.Currency),
		},
		Metadata: map[string]string{
			"assignment_id":   ar.AssignmentID,
			"organization_id": ar.OrganizationID,
		},
	})
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode envelope request", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		tok, err := c.accessToken(ctx)
		if err != nil {
			return "", err
		}

		endpoint := fmt.Sprintf("%s/v1/accounts/%s/envelopes", c.cfg.BaseURL, url.PathEscape(c.cfg.AccountID))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+tok)

		resp, err := c.base.Do(req)
		if err != nil {
			return "", err
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			resp.Body.Close()
			c.invalidate(tok)
			continue
		}

		envelopeID, err := decodeEnvelope(resp)
		resp.Body.Close()
		if err != nil {
			return "", err
		}
		c.logger.InfoContext(ctx, "plan agreement sent",
			"assignment_id", ar.AssignmentID,
			"envelope_id", envelopeID,
		)
		return envelopeID, nil
	}
	return "", types.NewAppError(types.ErrCodeUpstreamESign, "e-signature provider rejected refreshed credentials", nil)
}

func decodeEnvelope(resp *http.Response) (string, error) {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", types.NewAppErrorWithDetails(types.ErrCodeUpstreamESign,
			fmt.Sprintf("e-signature provider returned %d", resp.StatusCode), nil,
			map[string]any{"body": strings.TrimSpace(string(body))})
	}
	var er envelopeResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamESign, "malformed envelope response", err)
	}
	if er.EnvelopeID == "" {
		return "", types.NewAppError(types.ErrCodeUpstreamESign, "envelope response has no envelope_id", nil)
	}
	return er.EnvelopeID, nil
}

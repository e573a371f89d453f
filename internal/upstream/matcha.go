package upstream

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spreadwatch/spreadwatch/internal/model"
)

const (
	matchaDefaultBase = "https://matcha.xyz"

	matchaUSDT         = "0xfde4c96c8593536e31f229ea8f37b2ada2699bb2"
	matchaChainID      = 8453
	matchaUSDTDecimals = 6
	matchaUSDTAmount   = 100.0

	matchaDefaultSellDecimals = 18

	// Refresh the credential this long before its declared expiry.
	credentialSlack = 10 * time.Second
)

// MatchaClient quotes Base tokens through the Matcha gasless router.
// Every price call carries a short-lived bearer credential issued by an
// anti-automation-protected endpoint; the credential is process-wide and
// refreshes are single-flight.
type MatchaClient struct {
	challenge ChallengeClient
	baseURL   string
	cred      credentialState
}

// credentialState is the DEX-C credential machine: Absent, Valid(exp) or
// Refreshing. Concurrent callers during a refresh wait for its outcome
// instead of issuing parallel refreshes.
type credentialState struct {
	mu         sync.Mutex
	token      string
	exp        time.Time
	refreshing bool
	done       chan struct{}
}

// NewMatcha creates the DEX-C client. baseURL is overridable for tests.
func NewMatcha(challenge ChallengeClient, baseURL string) *MatchaClient {
	if baseURL == "" {
		baseURL = matchaDefaultBase
	}
	return &MatchaClient{challenge: challenge, baseURL: baseURL}
}

// Name implements Client.
func (m *MatchaClient) Name() model.DEX { return model.DEXMatcha }

// Fetch implements Client.
func (m *MatchaClient) Fetch(ctx context.Context, tok *model.TokenConfig) (float64, error) {
	addr := strings.TrimSpace(tok.MatchaAddress)
	if addr == "" {
		return 0, Ef(KindSchema, "matcha", "token %s has no Matcha address", tok.Name)
	}

	decimals := matchaDefaultSellDecimals
	if tok.MatchaDecimals != nil {
		decimals = *tok.MatchaDecimals
	}

	sellAmountRaw := int64(matchaUSDTAmount * math.Pow10(matchaUSDTDecimals))
	params := url.Values{
		"chainId":    {strconv.Itoa(matchaChainID)},
		"sellToken":  {matchaUSDT},
		"buyToken":   {addr},
		"sellAmount": {strconv.FormatInt(sellAmountRaw, 10)},
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		token, err := m.credential(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		headers := http.Header{"X-Matcha-Jwt": {token}}
		status, body, err := m.challenge.Get(ctx, gaslessTimeout, m.baseURL+"/api/gasless/price", params, headers)
		if err != nil {
			lastErr = err
			continue
		}

		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			log.Warn().Int("status", status).Msg("Matcha credential rejected, forcing refresh")
			m.Invalidate()
			lastErr = Ef(KindStatus, "matcha", "HTTP %d, credential rejected", status)
			continue
		}
		if status != http.StatusOK {
			lastErr = Ef(KindStatus, "matcha", "HTTP %d for %s", status, addr)
			log.Warn().Int("status", status).Str("addr", addr).Int("attempt", attempt+1).Msg("Matcha price failed, switching proxy")
			continue
		}

		var payload struct {
			BuyAmount string `json:"buyAmount"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return 0, E(KindSchema, "matcha", err)
		}
		if payload.BuyAmount == "" {
			return 0, Ef(KindSchema, "matcha", "no buyAmount for %s", addr)
		}

		// 18-decimal raw amounts overflow int64; float64 precision is
		// ample at quote scale.
		buyRaw, err := strconv.ParseFloat(payload.BuyAmount, 64)
		if err != nil {
			return 0, E(KindSchema, "matcha", err)
		}
		if buyRaw <= 0 {
			return 0, Ef(KindSchema, "matcha", "non-positive buyAmount for %s", addr)
		}

		tokenAmount := buyRaw / math.Pow10(decimals)
		if tokenAmount <= 0 {
			return 0, Ef(KindSchema, "matcha", "zero token amount for %s", addr)
		}

		price := matchaUSDTAmount / tokenAmount
		log.Debug().Str("addr", addr).Float64("price", price).Msg("Matcha price")
		return price, nil
	}

	return 0, lastErr
}

// credential returns a valid bearer token, refreshing single-flight when
// the current one is absent or within the slack window of expiry.
func (m *MatchaClient) credential(ctx context.Context) (string, error) {
	for {
		m.cred.mu.Lock()
		if m.cred.token != "" && time.Now().Before(m.cred.exp.Add(-credentialSlack)) {
			token := m.cred.token
			m.cred.mu.Unlock()
			return token, nil
		}
		if m.cred.refreshing {
			done := m.cred.done
			m.cred.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return "", E(KindDeadline, "matcha", ctx.Err())
			}
		}
		m.cred.refreshing = true
		m.cred.done = make(chan struct{})
		m.cred.mu.Unlock()
		break
	}

	token, exp, err := m.issue(ctx)

	m.cred.mu.Lock()
	m.cred.refreshing = false
	close(m.cred.done)
	if err == nil {
		m.cred.token = token
		m.cred.exp = exp
	}
	m.cred.mu.Unlock()

	if err != nil {
		return "", err
	}
	return token, nil
}

// issue requests a fresh credential. exp in the response is an absolute
// unix-seconds timestamp.
func (m *MatchaClient) issue(ctx context.Context) (string, time.Time, error) {
	status, body, err := m.challenge.Get(ctx, credentialTimeout, m.baseURL+"/api/jwt", nil, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	if status != http.StatusOK {
		return "", time.Time{}, Ef(KindStatus, "matcha", "credential issue: HTTP %d", status)
	}

	var payload struct {
		Token string `json:"token"`
		Exp   int64  `json:"exp"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", time.Time{}, E(KindSchema, "matcha", err)
	}
	if payload.Token == "" {
		return "", time.Time{}, Ef(KindSchema, "matcha", "credential issue: no token in response")
	}

	exp := time.Unix(payload.Exp, 0)
	if !exp.After(time.Now()) {
		return "", time.Time{}, Ef(KindSchema, "matcha", "credential issue: already expired (exp=%d)", payload.Exp)
	}

	log.Info().Time("exp", exp).Msg("Matcha credential issued")
	return payload.Token, exp, nil
}

// Invalidate drops the current credential; the next call re-issues.
func (m *MatchaClient) Invalidate() {
	m.cred.mu.Lock()
	m.cred.token = ""
	m.cred.exp = time.Time{}
	m.cred.mu.Unlock()
}

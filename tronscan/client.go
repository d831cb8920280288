// Package tronscan wraps the public TRON block explorer API. The
// merchant trusts the explorer as the source of truth about settled
// transactions in exchange for not running a full node, so everything
// that comes back is validated before it crosses into the engine.
package tronscan

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	pkgerrors "github.com/pkg/errors"

	"gitlab.com/arcanecrypto/troncoil/build"
	"gitlab.com/arcanecrypto/troncoil/payerr"
)

var log = build.AddSubLogger("TRON")

// allowedHosts is the fixed allow-list of explorer domains. Anything
// else is rejected at construction time.
var allowedHosts = map[string]struct{}{
	"apilist.tronscanapi.com": {},
	"api.trongrid.io":         {},
	"api.tronscan.org":        {},
	"nile.trongrid.io":        {},
}

const (
	defaultRequestsPerMinute = 20
	defaultCacheTTL          = 30 * time.Second
	defaultRequestTimeout    = 5 * time.Second

	maxListLimit   = 50
	cacheEntries   = 100
	requestRetries = 3

	timeoutRetrySleep = 5 * time.Second
	failureRetrySleep = 10 * time.Second
)

// Config holds the values needed to construct a Client
type Config struct {
	// BaseURL must be an https URL on one of the allow-listed explorer
	// hosts, e.g. https://apilist.tronscanapi.com/api
	BaseURL string
	// RequestsPerMinute bounds the sliding-window rate limiter.
	// Defaults to 20.
	RequestsPerMinute int
	// CacheTTL is how long list responses are served from cache.
	// Defaults to 30s.
	CacheTTL time.Duration
	// RequestTimeout is the per-call HTTP timeout. Defaults to 5s.
	RequestTimeout time.Duration
}

// Client is a rate-limited explorer client with an in-memory response
// cache for the list endpoints.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rateLimiter
	cache   *expirable.LRU[string, []byte]

	// test hooks
	now   func() time.Time
	sleep func(time.Duration)
}

// New validates the configured base URL against the allow-list and
// constructs a client
func New(conf Config) (*Client, error) {
	parsed, err := url.Parse(conf.BaseURL)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "could not parse explorer URL")
	}
	if parsed.Scheme != "https" {
		return nil, pkgerrors.Errorf("explorer URL must use https, got %q", parsed.Scheme)
	}
	if _, ok := allowedHosts[parsed.Hostname()]; !ok {
		return nil, pkgerrors.Errorf("explorer host %q is not allow-listed", parsed.Hostname())
	}
	if port := parsed.Port(); port != "" && port != "443" {
		return nil, pkgerrors.Errorf("suspicious explorer port %q", port)
	}

	if conf.RequestsPerMinute == 0 {
		conf.RequestsPerMinute = defaultRequestsPerMinute
	}
	if conf.CacheTTL == 0 {
		conf.CacheTTL = defaultCacheTTL
	}
	if conf.RequestTimeout == 0 {
		conf.RequestTimeout = defaultRequestTimeout
	}

	log.WithField("host", parsed.Hostname()).Info("Explorer URL passed validation")

	return &Client{
		baseURL: conf.BaseURL,
		http: &http.Client{
			Timeout: conf.RequestTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		limiter: newRateLimiter(conf.RequestsPerMinute),
		cache:   expirable.NewLRU[string, []byte](cacheEntries, nil, conf.CacheTTL),
		now:     time.Now,
		sleep:   time.Sleep,
	}, nil
}

// GetAccountTransactions lists native-coin transactions for an address,
// newest first. The limit is clamped to 50 by the explorer contract.
func (c *Client) GetAccountTransactions(address string, limit, start int) ([]Transfer, error) {
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if start < 0 {
		start = 0
	}
	params := url.Values{}
	params.Set("address", address)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("start", strconv.Itoa(start))
	params.Set("sort", "-timestamp")

	body, err := c.request("/transaction", params, true)
	if err != nil {
		return nil, err
	}
	transfers, err := decodeTransactionList(body, c.now())
	if err != nil {
		return nil, err
	}
	log.WithField("count", len(transfers)).Debug("Fetched account transactions")
	return transfers, nil
}

// GetTRC20Transfers lists TRC-20 transfers related to an address,
// normalized into the same envelope as GetAccountTransactions with the
// token payload embedded.
func (c *Client) GetTRC20Transfers(address string) ([]Transfer, error) {
	params := url.Values{}
	params.Set("relatedAddress", address)
	params.Set("limit", strconv.Itoa(maxListLimit))
	params.Set("sort", "-timestamp")

	body, err := c.request("/token_trc20/transfers", params, true)
	if err != nil {
		return nil, err
	}
	return decodeTRC20List(body, c.now())
}

// GetTransactionDetails fetches per-transaction detail. Detail lookups
// bypass the response cache.
func (c *Client) GetTransactionDetails(hash string) (*TransactionDetails, error) {
	params := url.Values{}
	params.Set("hash", hash)

	body, err := c.request("/transaction-info", params, false)
	if err != nil {
		return nil, err
	}
	return decodeTransactionInfo(body)
}

// GetAccountInfo fetches basic account state for an address
func (c *Client) GetAccountInfo(address string) (*AccountInfo, error) {
	params := url.Values{}
	params.Set("address", address)

	body, err := c.request("/account", params, true)
	if err != nil {
		return nil, err
	}
	return decodeAccount(body)
}

// CheckRecentTransactions lists native transactions to the wallet no
// older than sinceMillis
func (c *Client) CheckRecentTransactions(wallet string, sinceMillis int64) ([]Transfer, error) {
	transfers, err := c.GetAccountTransactions(wallet, maxListLimit, 0)
	if err != nil {
		return nil, err
	}
	recent := transfers[:0]
	for _, transfer := range transfers {
		if transfer.Timestamp >= sinceMillis {
			recent = append(recent, transfer)
		}
	}
	return recent, nil
}

// IsTransactionConfirmed reports whether the explorer considers the
// transaction confirmed
func (c *Client) IsTransactionConfirmed(hash string) (bool, error) {
	details, err := c.GetTransactionDetails(hash)
	if err != nil {
		return false, err
	}
	return details.Confirmed, nil
}

// request performs a GET against the explorer with rate limiting,
// bounded retries and optional response caching
func (c *Client) request(path string, params url.Values, cacheable bool) ([]byte, error) {
	fullURL := c.baseURL + path + "?" + params.Encode()

	if cacheable {
		if body, ok := c.cache.Get(fullURL); ok {
			return body, nil
		}
	}

	var lastErr error
	for attempt := 0; attempt < requestRetries; attempt++ {
		c.limiter.wait()

		body, retryAfter, err := c.do(fullURL)
		if err == nil {
			if cacheable {
				c.cache.Add(fullURL, body)
			}
			return body, nil
		}
		lastErr = err

		switch payerr.KindOf(err) {
		case payerr.SSLFailed:
			// certificate problems don't heal on retry
			return nil, err
		case payerr.RateLimited:
			if attempt < requestRetries-1 {
				log.WithField("sleep", retryAfter).Warn("Explorer returned 429, backing off")
				c.sleep(retryAfter)
			}
		case payerr.NetworkFailed:
			if attempt < requestRetries-1 {
				sleep := failureRetrySleep
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					sleep = timeoutRetrySleep
				}
				log.WithError(err).WithField("attempt", attempt+1).Warn("Explorer request failed, retrying")
				c.sleep(sleep)
			}
		default:
			return nil, err
		}
	}
	return nil, lastErr
}

// do performs one HTTP round trip. On 429 it updates the limiter's
// backoff state and returns the Retry-After duration to honor.
func (c *Client) do(fullURL string) (body []byte, retryAfter time.Duration, err error) {
	resp, err := c.http.Get(fullURL)
	if err != nil {
		if isTLSError(err) {
			return nil, 0, &payerr.Error{Kind: payerr.SSLFailed, Message: err.Error(), Err: err}
		}
		return nil, 0, wrapNetworkError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		c.limiter.note429()
		retryAfter = time.Duration(c.limiter.factor()) * backoffUnit
		if header := resp.Header.Get("Retry-After"); header != "" {
			if seconds, parseErr := strconv.Atoi(header); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, retryAfter, payerr.New(payerr.RateLimited, "explorer returned 429")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, payerr.Newf(payerr.NetworkFailed, "explorer returned status %d", resp.StatusCode)
	}

	c.limiter.noteSuccess()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, wrapNetworkError(err)
	}
	return body, 0, nil
}

func wrapNetworkError(err error) error {
	return &payerr.Error{Kind: payerr.NetworkFailed, Message: err.Error(), Err: err}
}

func isTLSError(err error) bool {
	var (
		hostnameErr  x509.HostnameError
		unknownAuth  x509.UnknownAuthorityError
		invalidCert  x509.CertificateInvalidError
		verification *tls.CertificateVerificationError
		recordHeader tls.RecordHeaderError
	)
	return errors.As(err, &hostnameErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &invalidCert) ||
		errors.As(err, &verification) ||
		errors.As(err, &recordHeader)
}


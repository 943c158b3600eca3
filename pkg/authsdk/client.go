package authsdk

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aussiebroadwan/sunga/pkg/slogx"
)

// DefaultTimeout bounds every request made by an SDKClient, including a
// shared refresh.
const DefaultTimeout = 10 * time.Second

// SDKClient talks to the identity endpoints of the records API. It holds no
// session state, see Manager for that.
type SDKClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewSDKClient creates a client whose requests carry a request id and are
// logged at debug level through logger (slog.Default when nil).
func NewSDKClient(baseURL string, logger *slog.Logger) *SDKClient {
	if logger == nil {
		logger = slog.Default()
	}

	return &SDKClient{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: slogx.NewTransport(nil, logger),
		},
	}
}

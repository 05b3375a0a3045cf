package services

import (
	"errors"
	"fmt"
	"time"
)

var ErrConnectLock = errors.New("connect flow locked")

const (
	NETWORK_MAINNET = "-239"
	NETWORK_TESTNET = "-3"

	PLATFORM_BROWSER = "browser"
	APP_NAME         = "tonbridge"

	MANIFEST_CACHE_TTL = 5 * time.Minute
	PROOF_NONCE_TTL    = 6 * time.Hour

	ORIGIN_RATE_LIMIT_PER_MINUTE = 120

	CONNECT_LOCK_EXPIRY = 10 * time.Second
)

func LockKeyConnect(origin string) string {
	return fmt.Sprintf("lock:connect:%s", origin)
}

func CacheKeyManifest(url string) string {
	return fmt.Sprintf("manifest:%s", url)
}

func LimitKeyOrigin(origin string) string {
	return fmt.Sprintf("limit:origin:%s", origin)
}

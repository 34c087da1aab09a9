package auth

import (
	"encoding/hex"
	"net/url"
	"strconv"
	"time"
)

// BuildInitData produces signed mini app initData. It lets tests and local
// tooling sign in without a Telegram client.
func BuildInitData(botToken string, authDate time.Time, extra map[string]string) string {
	params := url.Values{}
	params.Set("auth_date", strconv.FormatInt(authDate.Unix(), 10))
	for k, v := range extra {
		params.Set(k, v)
	}
	params.Set("hash", hex.EncodeToString(signInitData(params, botToken)))
	return params.Encode()
}

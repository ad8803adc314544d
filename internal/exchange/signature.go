package gateway

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"net/http"
	"net/url"
)

// SignParams 生成 Poloniex 私有接口签名：对 URL 编码后的请求体做 HMAC-SHA512。
// 返回的 body 必须原样作为 POST 请求体发送。
func SignParams(params url.Values, secret string) (body string, sign string) {
	body = params.Encode()
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(body))
	return body, hex.EncodeToString(mac.Sum(nil))
}

// AuthHeaders 构造认证头
func AuthHeaders(key, sign string) http.Header {
	h := make(http.Header, 3)
	h.Set("Key", key)
	h.Set("Sign", sign)
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	return h
}

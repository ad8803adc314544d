package gateway

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// 推送频道 id
const (
	ChannelTicker    = 1002
	ChannelStats     = 1003
	ChannelHeartbeat = 1010
)

// MessageKind 推送消息类型
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindTicker
	KindStats
	KindHeartbeat
	KindBook
	KindSubscription
	KindError
)

func (k MessageKind) String() string {
	switch k {
	case KindTicker:
		return "ticker"
	case KindStats:
		return "stats"
	case KindHeartbeat:
		return "heartbeat"
	case KindBook:
		return "book"
	case KindSubscription:
		return "subscription"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// StreamMessage 解析后的推送消息
type StreamMessage struct {
	Kind       MessageKind
	Channel    string // "1002" 或 "BTC_ETH"
	Subscribed bool   // 仅 KindSubscription 有效
	Ticker     []any  // 仅 KindTicker：[id, last, lowestAsk, ...]
	Payload    []any  // 频道 id 之后的全部元素
	Error      string
}

// ParseStreamMessage 按信封第一个元素（频道）分类
func ParseStreamMessage(data []byte) (StreamMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return StreamMessage{}, fmt.Errorf("decode stream message: %w", err)
	}

	switch t := v.(type) {
	case map[string]any:
		if e, ok := t["error"]; ok {
			return StreamMessage{Kind: KindError, Error: fmt.Sprint(e)}, nil
		}
		return StreamMessage{Kind: KindUnknown}, nil
	case []any:
		if len(t) == 0 {
			return StreamMessage{}, fmt.Errorf("empty stream message")
		}
		return classifyArray(t), nil
	}
	return StreamMessage{}, fmt.Errorf("unexpected stream message %T", v)
}

func classifyArray(arr []any) StreamMessage {
	msg := StreamMessage{Payload: arr[1:]}
	switch ch := arr[0].(type) {
	case json.Number:
		msg.Channel = ch.String()
		id, err := strconv.Atoi(ch.String())
		if err != nil {
			return msg
		}
		if id == ChannelHeartbeat {
			msg.Kind = KindHeartbeat
			return msg
		}
		// [channel, 1] 订阅成功，[channel, 0] 取消订阅
		if len(arr) == 2 {
			if flag, ok := arr[1].(json.Number); ok {
				msg.Kind = KindSubscription
				msg.Subscribed = flag.String() == "1"
				return msg
			}
		}
		switch id {
		case ChannelTicker:
			if len(arr) >= 3 {
				if fields, ok := arr[2].([]any); ok {
					msg.Kind = KindTicker
					msg.Ticker = fields
				}
			}
		case ChannelStats:
			msg.Kind = KindStats
		}
	case string:
		msg.Channel = ch
		if strings.Contains(ch, "_") {
			msg.Kind = KindBook
		}
	}
	return msg
}

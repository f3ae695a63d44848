package dispatcher

import "strings"

const messageSep = "#"

// encodeMessage 将事件 ID 与领取令牌编码为队列消息。
func encodeMessage(eventID, token string) string {
	return eventID + messageSep + token
}

// decodeMessage 解析队列消息。缺少令牌的消息返回空令牌，Start 会将其视为过期。
func decodeMessage(msg string) (eventID, token string) {
	eventID, token, _ = strings.Cut(msg, messageSep)
	return eventID, token
}

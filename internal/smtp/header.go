package smtp

import (
	"bufio"
	"bytes"
	"mime"
	"net/textproto"
	"strings"
)

// messageMeta 从邮件头提取的面板展示字段。
type messageMeta struct {
	Subject       string
	HasAttachment bool
}

// scanHeaders 只读邮件头部分，提取主题和附件标记。
//
// 转发器原样透传邮件体，不做 MIME 解包；
// 附件判定只看顶层 Content-Type，够面板列表用。
func scanHeaders(raw []byte) messageMeta {
	var meta messageMeta

	reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))
	header, err := reader.ReadMIMEHeader()
	if err != nil && len(header) == 0 {
		return meta
	}

	meta.Subject = decodeHeader(header.Get("Subject"))

	contentType := header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if mediaType == "multipart/mixed" {
			meta.HasAttachment = true
		}
	}
	if strings.Contains(strings.ToLower(header.Get("Content-Disposition")), "attachment") {
		meta.HasAttachment = true
	}

	return meta
}

// decodeHeader 解码 RFC 2047 编码的头字段，失败时返回原值。
func decodeHeader(value string) string {
	if value == "" {
		return value
	}
	decoder := new(mime.WordDecoder)
	decoded, err := decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

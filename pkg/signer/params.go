package signer

// SignParams 是签名代理识别的参数，未出现的键由代理按默认值处理。
type SignParams struct {
	SignPdfAsP7m     bool
	VisibleSignature bool
	PageNumToSign    int
	SignPosition     string
}

// DefaultSignParams 返回签名代理的默认参数。
func DefaultSignParams() SignParams {
	return SignParams{
		SignPdfAsP7m:     false,
		VisibleSignature: true,
		PageNumToSign:    -1,
		SignPosition:     "left",
	}
}

// Map 转换为 AddData 接受的参数包。
func (p SignParams) Map() map[string]any {
	return map[string]any{
		"signPdfAsP7m":     p.SignPdfAsP7m,
		"visibleSignature": p.VisibleSignature,
		"pageNumToSign":    p.PageNumToSign,
		"signPosition":     p.SignPosition,
	}
}

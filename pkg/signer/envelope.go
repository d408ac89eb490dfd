package signer

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Request 是批次中的一条待签名数据，加入后不可变。
type Request struct {
	ID         string         `json:"id"`
	ContentB64 string         `json:"contentB64"`
	Params     map[string]any `json:"params"`
}

// Result 是签名代理的单条回复，dataSigned 与 error 只有一个有意义。
type Result struct {
	DataSigned any `json:"dataSigned"`
	Error      any `json:"error"`
}

// SignedItem 是签名代理成功时 dataSigned 数组中的元素。
type SignedItem struct {
	ID         string `json:"id"`
	ContentB64 string `json:"contentB64"`
}

type signEnvelope struct {
	DataToSign []Request `json:"dataToSign"`
	// DllList 为空时不出现在报文中，由签名代理自行选择 PKCS#11 中间件。
	DllList []string `json:"dllList,omitempty"`
}

var errReplyNotObject = errors.New("reply is not a JSON object")

func encodeBatch(batch []Request, dllList []string) ([]byte, error) {
	if batch == nil {
		batch = []Request{}
	}
	return json.Marshal(signEnvelope{DataToSign: batch, DllList: dllList})
}

func decodeResult(data []byte) (Result, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Result{}, err
	}
	if fields == nil {
		return Result{}, errReplyNotObject
	}
	var res Result
	if raw, ok := fields["dataSigned"]; ok {
		if err := json.Unmarshal(raw, &res.DataSigned); err != nil {
			return Result{}, fmt.Errorf("dataSigned: %w", err)
		}
	}
	if raw, ok := fields["error"]; ok {
		if err := json.Unmarshal(raw, &res.Error); err != nil {
			return Result{}, fmt.Errorf("error: %w", err)
		}
	}
	return res, nil
}

// DecodeSignedItems 将 onSuccess 收到的 dataSigned 解释为 []SignedItem。
func DecodeSignedItems(dataSigned any) ([]SignedItem, error) {
	if dataSigned == nil {
		return nil, nil
	}
	raw, err := json.Marshal(dataSigned)
	if err != nil {
		return nil, err
	}
	var items []SignedItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("dataSigned is not a list of signed items: %w", err)
	}
	return items, nil
}

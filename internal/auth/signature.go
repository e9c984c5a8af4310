package auth

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// MessageSigner 产生 EIP-191 个人消息签名，proofs.Signer 满足该接口。
type MessageSigner interface {
	Address() common.Address
	SignMessage(message []byte) ([]byte, error)
}

// RequestMessage 构造被签名的请求摘要：方法、路径、时间戳与请求体哈希，逐行拼接。
func RequestMessage(method, path string, timestamp int64, body []byte) []byte {
	return []byte(fmt.Sprintf("escrow-request\n%s\n%s\n%d\n%s",
		strings.ToUpper(method), path, timestamp, crypto.Keccak256Hash(body).Hex()))
}

// SignRequest 为 req 附加签名头。body 必须与实际发送的请求体逐字节一致。
func SignRequest(req *http.Request, body []byte, signer MessageSigner, now time.Time) error {
	ts := now.Unix()
	sig, err := signer.SignMessage(RequestMessage(req.Method, req.URL.Path, ts, body))
	if err != nil {
		return fmt.Errorf("签名请求失败: %w", err)
	}
	req.Header.Set(HeaderAddress, signer.Address().Hex())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, hexutil.Encode(sig))
	return nil
}

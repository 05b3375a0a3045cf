package models

import (
	"errors"
	"fmt"
)

// ErrCode values are an external contract: dApps branch on them. The
// 0..400 range follows the TON Connect protocol; 4xxx is the wallet-local
// provider range.
type ErrCode int

const (
	CodeUnknownError       ErrCode = 0
	CodeBadRequest         ErrCode = 1
	CodeManifestNotFound   ErrCode = 2
	CodeManifestContent    ErrCode = 3
	CodeUnknownApp         ErrCode = 100
	CodeUserDecline        ErrCode = 300
	CodeMethodNotSupported ErrCode = 400
	CodeUnsupportedVersion ErrCode = 4001
)

// BridgeError is the structured {code, message} shape crossing every
// context boundary. Raw errors never leave the background process.
type BridgeError struct {
	Code    ErrCode `json:"code"`
	Message string  `json:"message"`
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("bridge error %d: %s", e.Code, e.Message)
}

func NewBridgeError(code ErrCode, message string) *BridgeError {
	return &BridgeError{Code: code, Message: message}
}

func ErrBadRequest(message string) *BridgeError {
	return &BridgeError{Code: CodeBadRequest, Message: message}
}

func ErrUnknownApp(origin string) *BridgeError {
	return &BridgeError{Code: CodeUnknownApp, Message: fmt.Sprintf("unknown app: %s", origin)}
}

func ErrUserDecline() *BridgeError {
	return &BridgeError{Code: CodeUserDecline, Message: "user rejected the request"}
}

func ErrMethodNotSupported(method string) *BridgeError {
	return &BridgeError{Code: CodeMethodNotSupported, Message: fmt.Sprintf("method not supported: %s", method)}
}

func ErrUnsupportedVersion(requested, supported int) *BridgeError {
	return &BridgeError{Code: CodeUnsupportedVersion, Message: fmt.Sprintf("protocol version %d not supported, wallet supports %d", requested, supported)}
}

// AsBridgeError converts any error into the wire shape, collapsing
// everything untyped into CodeUnknownError.
func AsBridgeError(err error) *BridgeError {
	if err == nil {
		return nil
	}
	var be *BridgeError
	if errors.As(err, &be) {
		return be
	}
	return &BridgeError{Code: CodeUnknownError, Message: err.Error()}
}

var ErrAskTimeout = errors.New("ask timeout")

package models

type TonDomain struct {
	LengthBytes uint32 `json:"lengthBytes"`
	Value       string `json:"value"`
}

// TonProofReply is the signed origin-bound challenge answering a ton_proof
// connect item.
type TonProofReply struct {
	Timestamp int64     `json:"timestamp"`
	Domain    TonDomain `json:"domain"`
	Signature string    `json:"signature"`
	Payload   string    `json:"payload"`
	StateInit string    `json:"state_init,omitempty"`
}

// TonProofMessage is the decoded form a proof is built from and verified
// against.
type TonProofMessage struct {
	Workchain int32
	Address   []byte
	Timestamp int64
	Domain    TonDomain
	Signature []byte
	Payload   string
	StateInit string
}

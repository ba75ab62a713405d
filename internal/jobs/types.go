package jobs

import "time"

// TransferRecord は成功した送金1件分の監査記録です。
type TransferRecord struct {
	ID        string    `json:"id"`
	Variant   string    `json:"variant"`
	Actor     string    `json:"actor"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
}

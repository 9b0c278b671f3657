package models

// APIRequest is the common request structure for the polling surface.
// Requests are routed by the "actions" field in the JSON body.
type APIRequest struct {
	Actions string `json:"actions"`
	ShopID  uint   `json:"shopId,omitempty"`
	Shop    string `json:"shop,omitempty"`
	JobID   string `json:"jobId,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// APIResponse is the standard response envelope.
type APIResponse struct {
	Status bool        `json:"status"`
	Msg    string      `json:"msg"`
	Obj    interface{} `json:"obj"`
}

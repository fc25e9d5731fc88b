package apperrors

import "errors"

// Info is the JSON form of an error, embedded in job records and API responses.
type Info struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	BackendID string `json:"backendId,omitempty"`
	Hint      string `json:"hint,omitempty"`
}

// ToInfo converts err into its JSON form. Returns nil for a nil error.
func ToInfo(err error) *Info {
	if err == nil {
		return nil
	}
	info := &Info{
		Kind:    Kind(err),
		Message: err.Error(),
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		info.BackendID = appErr.Backend
		info.Hint = appErr.Hint
	}
	return info
}

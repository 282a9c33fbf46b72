package developer

import "time"

// Team is a developer team the account belongs to.
type Team struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Type   string `json:"type,omitempty" yaml:"type,omitempty"`
	Status string `json:"status,omitempty" yaml:"status,omitempty"`
}

// Certificate is a development certificate issued under a team.
// MachineName and MachineID are nil when the certificate was not
// created from a machine.
type Certificate struct {
	Name           string    `json:"name" yaml:"name"`
	CertificateID  string    `json:"certificate_id" yaml:"certificate_id"`
	SerialNumber   string    `json:"serial_number" yaml:"serial_number"`
	Status         string    `json:"status,omitempty" yaml:"status,omitempty"`
	ExpirationDate time.Time `json:"expiration_date" yaml:"expiration_date"`
	MachineName    *string   `json:"machine_name,omitempty" yaml:"machine_name,omitempty"`
	MachineID      *string   `json:"machine_id,omitempty" yaml:"machine_id,omitempty"`
}

// RevokeResult is the server's answer to a revoke request.
type RevokeResult struct {
	SerialNumber string `json:"serial_number" yaml:"serial_number"`
	ResultString string `json:"result_string,omitempty" yaml:"result_string,omitempty"`
	UserString   string `json:"user_string,omitempty" yaml:"user_string,omitempty"`
}

// Message returns the text worth showing a user: the result string,
// else the user string, else empty.
func (r *RevokeResult) Message() string {
	if r.ResultString != "" {
		return r.ResultString
	}

	return r.UserString
}

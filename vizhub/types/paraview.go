package types

import "time"

// ParaViewServer is a remote compute job running a ParaView server. The
// fields a backend cannot fill are left zero.
type ParaViewServer struct {
	JobID       string    `json:"job_id"`
	Name        string    `json:"name"`
	Account     string    `json:"account"`
	Partition   string    `json:"partition"`
	Nodes       int       `json:"nodes"`
	TimeLimit   string    `json:"time_limit"`
	State       string    `json:"state"`
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	Owner       string    `json:"owner"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ParaViewOptions are the values entered in the ParaView launch dialog.
type ParaViewOptions struct {
	Name      string `json:"name"`
	Account   string `json:"account"`
	Partition string `json:"partition"`
	Nodes     int    `json:"nodes"`
	TimeLimit string `json:"timeLimit"` // HH:MM:SS
}

// LaunchStatus is the outcome of a ParaView launch. Code 0 means the job was
// accepted; any other value is a failure and Message is shown to the user.
type LaunchStatus struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// OK reports whether the launch was accepted.
func (s LaunchStatus) OK() bool {
	return s.Code == 0
}

// AccountPartition is one (account, partition) pair a user may submit to.
type AccountPartition struct {
	Account   string `json:"account"`
	Partition string `json:"partition"`
}

// UserData describes the user behind the current session.
type UserData struct {
	Name          string             `json:"name"`
	Accounts      []AccountPartition `json:"accounts"`
	HomeDirectory string             `json:"home_directory"`
}

package types

// AppDescriptor describes an installable trame application found on one of
// the search paths.
type AppDescriptor struct {
	Name             string `json:"name"`         // Directory slug, unique per search path
	DisplayName      string `json:"display_name"` // Human label shown in the launcher
	ManifestPath     string `json:"manifest_path"`
	Command          string `json:"command"` // Shell command, expected to reference $JUVIZ_ARGS
	WorkingDirectory string `json:"working_directory,omitempty"`
}

// LaunchOptions are the values a user enters in the launch dialog.
type LaunchOptions struct {
	DisplayName   string `json:"display_name"`
	DataDirectory string `json:"data_directory"`
}

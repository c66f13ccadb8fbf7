package main

import (
	"os"
	"path/filepath"
	"time"
)

// Globals are flags shared by every command
type Globals struct {
	// BrokerURL is the credential broker base URL
	BrokerURL string `help:"Credential broker base URL" required:"true" env:"COURSESYNC_BROKER_URL"`

	// ClientID is the GitHub OAuth App client ID the broker is registered with
	ClientID string `help:"GitHub OAuth App client ID" required:"true" env:"COURSESYNC_CLIENT_ID"`

	// RedirectURI must match the broker's GITHUB_REDIRECT_URI and point at a loopback address
	RedirectURI string `help:"OAuth redirect URI served locally during login" default:"http://127.0.0.1:8765/callback" env:"COURSESYNC_REDIRECT_URI"`

	// APIURL overrides the GitHub REST API root (GitHub Enterprise)
	APIURL string `help:"GitHub REST API base URL" name:"api-url" env:"COURSESYNC_API_URL"`

	// StoreDir holds the encrypted credential store
	StoreDir string `help:"Directory of the local credential store (default: user config dir)" type:"path" env:"COURSESYNC_STORE_DIR"`

	// Passphrase selects a passphrase-encrypted file store instead of the OS keyring
	Passphrase string `help:"Encrypt the local store with this passphrase instead of using the OS keyring" env:"COURSESYNC_PASSPHRASE"`

	// NoKeyring refuses the OS keyring even when it is available
	NoKeyring bool `help:"Never use the OS keyring"`

	// Debug enables debug logging to stderr
	Debug bool `short:"d" help:"Debug logging"`
}

// CLI represents command structure
type CLI struct {
	Globals

	// Login signs in with GitHub
	Login LoginCmd `cmd:"true" help:"Sign in with GitHub"`

	// Logout signs out and revokes the credential at the broker
	Logout LogoutCmd `cmd:"true" help:"Sign out"`

	// Status shows the session state
	Status StatusCmd `cmd:"true" help:"Show who is signed in"`

	// Enroll enrolls in a course
	Enroll EnrollCmd `cmd:"true" help:"Enroll in a course"`

	// Progress records progress in a course
	Progress ProgressCmd `cmd:"true" help:"Record progress in a course"`

	// Courses lists enrolled courses
	Courses CoursesCmd `cmd:"true" help:"List enrolled courses"`

	// Course shows a single course
	Course CourseCmd `cmd:"true" help:"Show progress in a course"`

	// Watch keeps the session validated and prints progress changes
	Watch WatchCmd `cmd:"true" help:"Watch progress and keep the session validated"`
}

// LoginCmd is the login command
type LoginCmd struct {
	// NoBrowser prints the authorization URL instead of opening it
	NoBrowser bool `help:"Print the authorization URL instead of opening a browser"`

	// Timeout bounds the wait for the browser to come back
	Timeout time.Duration `help:"How long to wait for the browser to return" default:"5m"`
}

// LogoutCmd is the logout command
type LogoutCmd struct {
	// Forget also removes the offline progress snapshot
	Forget bool `help:"Also remove cached progress"`
}

// StatusCmd is the status command
type StatusCmd struct{}

// EnrollCmd is the enroll command
type EnrollCmd struct {
	Course   string   `arg:"true" help:"Course ID" required:"true"`
	Title    string   `help:"Course title stored with the enrollment"`
	Meta     []string `help:"Extra metadata as key=value, may be repeated" placeholder:"KEY=VALUE"`
	Progress int      `help:"Initial progress percentage" default:"0"`
}

// ProgressCmd is the progress command
type ProgressCmd struct {
	Course  string `arg:"true" help:"Course ID" required:"true"`
	Percent int    `arg:"true" help:"Progress percentage, 0-100" required:"true"`
}

// CoursesCmd is the courses command
type CoursesCmd struct{}

// CourseCmd is the course command
type CourseCmd struct {
	Course string `arg:"true" help:"Course ID" required:"true"`
}

// WatchCmd is the watch command
type WatchCmd struct {
	// Interval is the progress polling period
	Interval time.Duration `help:"How often to fetch progress" default:"1m"`
}

// storeDir returns StoreDir or <user config dir>/coursesync
func (g *Globals) storeDir() (string, error) {
	if g.StoreDir != "" {
		return g.StoreDir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "coursesync"), nil
}

package build

import "strings"

var (
	Version = "dev"
	AppName = "SynqX"
	Slug    = ""
)

func init() {
	if Slug == "" {
		Slug = strings.ToLower(AppName)
	}
}

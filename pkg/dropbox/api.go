package dropbox

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Endpoints relative to the API and content hosts.
const (
	DefaultAPIURL     = "https://api.dropboxapi.com/2"
	DefaultContentURL = "https://content.dropboxapi.com/2"

	epListFolder         = "/files/list_folder"
	epListFolderContinue = "/files/list_folder/continue"
	epGetMetadata        = "/files/get_metadata"
	epDelete             = "/files/delete_v2"
	epDownload           = "/files/download"
	epUpload             = "/files/upload"
	epCurrentAccount     = "/users/get_current_account"
	epCreateSharedLink   = "/sharing/create_shared_link_with_settings"
	epListSharedLinks    = "/sharing/list_shared_links"
)

// Entry tags in listings and the change feed.
const (
	tagFile    = "file"
	tagFolder  = "folder"
	tagDeleted = "deleted"
)

// Write modes for uploads.
const (
	modeAdd       = "add"
	modeOverwrite = "overwrite"
	modeUpdate    = "update"
)

type metadata struct {
	Tag       string `json:".tag"`
	Name      string `json:"name"`
	PathLower string `json:"path_lower"`
	Rev       string `json:"rev,omitempty"`
	Size      int64  `json:"size,omitempty"`
}

type pathArg struct {
	Path string `json:"path"`
}

type listFolderArg struct {
	Path           string `json:"path"`
	Recursive      bool   `json:"recursive"`
	IncludeDeleted bool   `json:"include_deleted"`
}

type listFolderContinueArg struct {
	Cursor string `json:"cursor"`
}

type listFolderResult struct {
	Entries []metadata `json:"entries"`
	Cursor  string     `json:"cursor"`
	HasMore bool       `json:"has_more"`
}

type writeMode struct {
	Tag    string `json:".tag"`
	Update string `json:"update,omitempty"`
}

type uploadArg struct {
	Path       string    `json:"path"`
	Mode       writeMode `json:"mode"`
	Autorename bool      `json:"autorename"`
	Mute       bool      `json:"mute"`
}

type account struct {
	AccountID string `json:"account_id"`
	Email     string `json:"email"`
	Name      struct {
		DisplayName string `json:"display_name"`
	} `json:"name"`
}

type sharedLinkSettings struct {
	RequestedVisibility string `json:"requested_visibility"`
}

type createSharedLinkArg struct {
	Path     string             `json:"path"`
	Settings sharedLinkSettings `json:"settings"`
}

type listSharedLinksArg struct {
	Path       string `json:"path"`
	DirectOnly bool   `json:"direct_only"`
}

type sharedLink struct {
	URL       string `json:"url"`
	PathLower string `json:"path_lower"`
}

type listSharedLinksResult struct {
	Links []sharedLink `json:"links"`
}

type apiError struct {
	ErrorSummary string `json:"error_summary"`
}

// apiArg encodes v for the Dropbox-API-Arg header. Header values must be
// ASCII, so other characters are escaped as JSON \u sequences.
func apiArg(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, r := range string(data) {
		switch {
		case r < 0x80:
			b.WriteRune(r)
		case r > 0xFFFF:
			r -= 0x10000
			fmt.Fprintf(&b, `\u%04x\u%04x`, 0xD800+(r>>10), 0xDC00+(r&0x3FF))
		default:
			fmt.Fprintf(&b, `\u%04x`, r)
		}
	}
	return b.String(), nil
}

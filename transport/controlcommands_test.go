// Copyright (c) commrouter Authors. All Rights Reserved.
// Use of this source code is governed by an MIT-style license.

package transport

import (
	"strings"
	"testing"

	"github.com/textrealm/commrouter/session"
)

func TestSiteListBanner_ListsEverySite(t *testing.T) {
	banner := siteListBanner([]session.SiteID{"west", "east"})
	if !strings.Contains(banner, "west") || !strings.Contains(banner, "east") {
		t.Errorf("banner missing a site: %q", banner)
	}
	if !strings.Contains(banner, "connect <site> <name> <password>") {
		t.Errorf("banner missing the connect prompt: %q", banner)
	}
}

func TestIsPuppetChannel(t *testing.T) {
	cases := map[string]bool{
		"Puppet Bob":    true,
		"Puppet ":       false, // prefix with no name after it is not a puppet channel
		"Puppet":        false,
		"Session Agent": false,
		"":              false,
	}
	for name, want := range cases {
		if got := isPuppetChannel(name); got != want {
			t.Errorf("isPuppetChannel(%q) = %v, want %v", name, got, want)
		}
	}
}

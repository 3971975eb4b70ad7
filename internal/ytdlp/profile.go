package ytdlp

import "strings"

// profile holds the site-specific yt-dlp switches.
type profile struct {
	name        string
	match       []string
	connections string
	pre         []string
	post        []string
	headers     []string
	sendUA      bool
}

var profiles = []profile{
	{
		name:        "facebook",
		match:       []string{"facebook.com", "fb.watch"},
		connections: "16",
		pre:         []string{"--no-part", "--no-keep-fragments"},
	},
	{
		name:        "youtube",
		match:       []string{"youtube.com", "youtu.be", "youtube-nocookie.com"},
		connections: "4",
		pre:         []string{"--js-runtime", "node"},
		post:        []string{"--audio-quality", "0", "--continue"},
		headers:     []string{"Referer: https://www.youtube.com/"},
		sendUA:      true,
	},
	{
		name:        "mediadelivery",
		match:       []string{"mediadelivery.net"},
		connections: "16",
		pre:         []string{"--no-part", "--no-keep-fragments"},
		headers: []string{
			"Referer: https://academic.aparsclassroom.com/",
			"Origin: https://academic.aparsclassroom.com",
		},
		sendUA: true,
	},
}

var defaultProfile = profile{
	name:        "default",
	connections: "16",
	post:        []string{"--audio-quality", "5", "--continue"},
	sendUA:      true,
}

func profileFor(url string) profile {
	u := strings.ToLower(url)
	for _, p := range profiles {
		for _, m := range p.match {
			if strings.Contains(u, m) {
				return p
			}
		}
	}
	return defaultProfile
}

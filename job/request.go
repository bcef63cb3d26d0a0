package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ProviderHost is the only content catalog host accepted in requests.
const ProviderHost = "open.spotify.com"

// Supported encoding parameters. Values are passed through opaquely to
// the external fetch operation.
var (
	ValidFormats  = map[string]bool{"m4a": true, "mp3": true, "opus": true}
	ValidBitrates = map[int]bool{96: true, 128: true, 192: true, 256: true}

	// The known callback delivery backends.
	ValidCallbackTypes = map[string]bool{"http": true, "kafka": true, "sqs": true}
)

// Request is a user submission asking for content to be saved. It is
// validated during decoding and not persisted beyond the job it creates.
type Request struct {
	// SourceURL points to the content on the supported provider
	// (a track, album or playlist URL).
	SourceURL string `json:"source_url"`

	// OutputDir is where fetched files end up. Defaults to the
	// configured directory when empty.
	OutputDir string `json:"output_dir"`

	// Encoding parameters, passed through to the fetch operation.
	Format  string `json:"format"`
	Bitrate int    `json:"bitrate"`

	// Optional side effects of the fetch operation.
	Lyrics bool `json:"lyrics"`
	Cover  bool `json:"cover"`
	NFO    bool `json:"nfo"`

	// Optional completion callback. Both fields must be given together.
	CallbackType string `json:"callback_type"`
	CallbackDst  string `json:"callback_dst"`
}

// UnmarshalJSON populates a request from the values in the provided JSON
// message and validates them. A request that fails validation produces
// no job and no other side effects.
func (r *Request) UnmarshalJSON(b []byte) error {
	var tmp map[string]interface{}

	err := json.Unmarshal(b, &tmp)
	if err != nil {
		return err
	}

	srcURL, ok := tmp["source_url"].(string)
	if !ok || srcURL == "" {
		return errors.New("source_url must be a non-empty string")
	}
	u, err := url.ParseRequestURI(srcURL)
	if err != nil {
		return errors.New("Could not parse source_url: " + err.Error())
	}
	if !strings.EqualFold(u.Hostname(), ProviderHost) {
		return fmt.Errorf("source_url host must be %s, was %s", ProviderHost, u.Hostname())
	}
	r.SourceURL = srcURL

	outDir, ok := tmp["output_dir"].(string)
	if ok {
		r.OutputDir = outDir
	}

	r.Format = "m4a"
	if f, ok := tmp["format"]; ok {
		format, ok := f.(string)
		if !ok {
			return errors.New("format must be a string")
		}
		format = strings.ToLower(format)
		if !ValidFormats[format] {
			return fmt.Errorf("Unsupported format: %s", format)
		}
		r.Format = format
	}

	r.Bitrate = 128
	if b, ok := tmp["bitrate"]; ok {
		bitratef, ok := b.(float64)
		if !ok {
			return fmt.Errorf("bitrate must be a number, was: %T", b)
		}
		bitrate := int(bitratef)
		if !ValidBitrates[bitrate] {
			return fmt.Errorf("Unsupported bitrate: %d", bitrate)
		}
		r.Bitrate = bitrate
	}

	for key, dst := range map[string]*bool{"lyrics": &r.Lyrics, "cover": &r.Cover, "nfo": &r.NFO} {
		v, ok := tmp[key]
		if !ok {
			continue
		}
		flag, ok := v.(bool)
		if !ok {
			return fmt.Errorf("%s must be a boolean", key)
		}
		*dst = flag
	}

	cbType, _ := tmp["callback_type"].(string)
	cbDst, _ := tmp["callback_dst"].(string)
	if (cbType == "") != (cbDst == "") {
		return fmt.Errorf("You need to provide both callback_type (%#v) and callback_dst (%#v)", cbType, cbDst)
	}
	if cbType != "" {
		if !ValidCallbackTypes[cbType] {
			return fmt.Errorf("Unsupported callback_type: %s", cbType)
		}
		if strings.HasPrefix(cbDst, "http") {
			_, err = url.ParseRequestURI(cbDst)
			if err != nil {
				return errors.New("Could not parse callback_dst: " + err.Error())
			}
		}
		r.CallbackType = cbType
		r.CallbackDst = cbDst
	}

	return nil
}

package device

import (
	"fmt"
	"io"

	"github.com/gen2brain/malgo"
)

// Info describes one enumerated device.
type Info struct {
	Kind      string
	Name      string
	ID        string
	IsDefault bool
	Formats   []malgo.DataFormat
	Error     string
}

// List enumerates playback and capture devices.
func List() ([]Info, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, classify("init audio context", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	var out []Info
	for _, kind := range []malgo.DeviceType{malgo.Playback, malgo.Capture} {
		infos, err := mctx.Devices(kind)
		if err != nil {
			return nil, classify("enumerate devices", err)
		}
		for _, info := range infos {
			di := Info{
				Kind:      kindName(kind),
				Name:      info.Name(),
				ID:        info.ID.String(),
				IsDefault: info.IsDefault != 0,
			}
			full, err := mctx.DeviceInfo(kind, info.ID, malgo.Shared)
			if err != nil {
				di.Error = err.Error()
			} else {
				di.Formats = full.Formats
			}
			out = append(out, di)
		}
	}
	return out, nil
}

func kindName(k malgo.DeviceType) string {
	switch k {
	case malgo.Playback:
		return "playback"
	case malgo.Capture:
		return "capture"
	default:
		return "duplex"
	}
}

// Print writes one line per device grouped by kind.
func Print(w io.Writer, devices []Info) {
	last := ""
	i := 0
	for _, d := range devices {
		if d.Kind != last {
			if last != "" {
				fmt.Fprintln(w)
			}
			fmt.Fprintf(w, "%s devices:\n", d.Kind)
			last, i = d.Kind, 0
		}
		status := "ok"
		if d.Error != "" {
			status = d.Error
		}
		def := ""
		if d.IsDefault {
			def = " (default)"
		}
		fmt.Fprintf(w, "    %d: %s%s [%s] formats: %d\n", i, d.Name, def, status, len(d.Formats))
		i++
	}
}

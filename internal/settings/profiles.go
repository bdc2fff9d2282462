package settings

import (
	"context"
	"encoding/json"
	"strconv"

	"cablectl/internal/model"
)

// Profile is one entry of a device's EnumProfile param.
type Profile struct {
	Index       int    `json:"index"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
	Available   string `json:"available,omitempty"`
	Active      bool   `json:"active"`
}

type dumpObject struct {
	ID   uint32 `json:"id"`
	Info struct {
		Params struct {
			EnumProfile []Profile `json:"EnumProfile"`
			Profile     []struct {
				Index int `json:"index"`
			} `json:"Profile"`
		} `json:"params"`
	} `json:"info"`
}

// Profiles lists a device's profiles, marking the active one.
func (b *Bridge) Profiles(ctx context.Context, device uint32) ([]Profile, error) {
	out, err := b.output(ctx, "pw-dump", strconv.FormatUint(uint64(device), 10))
	if err != nil {
		return nil, err
	}
	return ParseProfiles([]byte(out), device)
}

// ParseProfiles extracts the device's profiles from `pw-dump <id>` output.
func ParseProfiles(data []byte, device uint32) ([]Profile, error) {
	var objs []dumpObject
	if err := json.Unmarshal(data, &objs); err != nil {
		return nil, model.Wrap(model.CodePropertyRejected, err, "decode pw-dump output")
	}
	for _, o := range objs {
		if o.ID != device {
			continue
		}
		active := -1
		if len(o.Info.Params.Profile) > 0 {
			active = o.Info.Params.Profile[0].Index
		}
		profiles := o.Info.Params.EnumProfile
		for i := range profiles {
			profiles[i].Active = profiles[i].Index == active
		}
		return profiles, nil
	}
	return nil, model.Errorf(model.CodeUnknownObject, "device %d not found", device)
}

// SetProfile switches a device to the profile with the given index.
func (b *Bridge) SetProfile(ctx context.Context, device uint32, index int) error {
	if index < 0 {
		return model.Errorf(model.CodePropertyRejected, "profile index must not be negative, got %d", index)
	}
	if err := b.run(ctx, "wpctl", "set-profile", strconv.FormatUint(uint64(device), 10), strconv.Itoa(index)); err != nil {
		return err
	}
	b.log.Info("device profile applied", "device", device, "index", index)
	return nil
}

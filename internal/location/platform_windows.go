//go:build windows

package location

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	"github.com/vburojevic/apptrack/internal/domain"
)

// Windows exposes high-accuracy location through the WinRT Geolocator API.
// There is no Go binding worth carrying for one call, so we ask PowerShell,
// the same way the crash source queries the event log.
const geolocatorScript = `
Add-Type -AssemblyName System.Runtime.WindowsRuntime
$asTask = ([System.WindowsRuntimeSystemExtensions].GetMethods() | Where-Object {
  $_.Name -eq 'AsTask' -and $_.GetParameters().Count -eq 1 -and
  $_.GetParameters()[0].ParameterType.Name -eq 'IAsyncOperation` + "`" + `1'
})[0]
function Await($op, $type) {
  $task = $asTask.MakeGenericMethod($type).Invoke($null, @($op))
  $task.Wait(10000) | Out-Null
  $task.Result
}
[Windows.Devices.Geolocation.Geolocator,Windows.Devices.Geolocation,ContentType=WindowsRuntime] | Out-Null
$status = Await ([Windows.Devices.Geolocation.Geolocator]::RequestAccessAsync()) ([Windows.Devices.Geolocation.GeolocationAccessStatus])
if ($status -ne 'Allowed') { '{"denied":true}'; exit 0 }
$locator = New-Object Windows.Devices.Geolocation.Geolocator
$pos = Await ($locator.GetGeopositionAsync()) ([Windows.Devices.Geolocation.Geoposition])
$c = $pos.Coordinate
@{latitude=$c.Point.Position.Latitude; longitude=$c.Point.Position.Longitude; accuracy=$c.Accuracy} | ConvertTo-Json -Compress
`

type windowsLocator struct {
	timeout time.Duration
	run     func(ctx context.Context, script string) ([]byte, error)
}

func newPlatformLocator() platformLocator {
	return &windowsLocator{
		timeout: 15 * time.Second,
		run: func(ctx context.Context, script string) ([]byte, error) {
			cmd := exec.CommandContext(ctx, "powershell",
				"-NoProfile", "-ExecutionPolicy", "Bypass", "-Command", script)
			return cmd.Output()
		},
	}
}

func (w *windowsLocator) Locate(ctx context.Context) (*domain.LocationSnapshot, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	out, err := w.run(ctx, geolocatorScript)
	if err != nil {
		return nil, false, err
	}
	return parseGeolocatorOutput(out)
}

func parseGeolocatorOutput(out []byte) (*domain.LocationSnapshot, bool, error) {
	s := strings.TrimSpace(string(out))
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return nil, false, nil
	}
	var parsed struct {
		Denied    bool    `json:"denied"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Accuracy  float64 `json:"accuracy"`
	}
	if err := json.Unmarshal([]byte(s[start:]), &parsed); err != nil {
		return nil, false, err
	}
	if parsed.Denied {
		return nil, true, nil
	}
	return &domain.LocationSnapshot{
		Latitude:       parsed.Latitude,
		Longitude:      parsed.Longitude,
		AccuracyRadius: parsed.Accuracy,
	}, false, nil
}

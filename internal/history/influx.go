package history

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// Measurement is the InfluxDB measurement readings are written to
const Measurement = "vpd"

// InfluxRecorder writes readings as points tagged by entry
type InfluxRecorder struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	bucket string
}

// NewInfluxRecorder creates a recorder writing to org/bucket at url
func NewInfluxRecorder(url, token, org, bucket string) *InfluxRecorder {
	client := influxdb2.NewClient(url, token)
	return &InfluxRecorder{
		client: client,
		write:  client.WriteAPIBlocking(org, bucket),
		bucket: bucket,
	}
}

// Name implements Recorder
func (i *InfluxRecorder) Name() string { return "influxdb" }

// Record implements Recorder. Missing sensor values are left out of the point.
func (i *InfluxRecorder) Record(ctx context.Context, r Reading) error {
	fields := map[string]interface{}{
		"available":  r.Available,
		"leaf_delta": r.LeafDelta,
	}
	if r.Temperature != nil {
		fields["temperature"] = *r.Temperature
	}
	if r.Humidity != nil {
		fields["humidity"] = *r.Humidity
	}
	if r.VPD != nil {
		fields["vpd"] = *r.VPD
	}
	if r.MinVPD > 0 {
		fields["min_vpd"] = r.MinVPD
		fields["max_vpd"] = r.MaxVPD
	}

	p := influxdb2.NewPoint(
		Measurement,
		map[string]string{"entry_id": r.EntryID, "name": r.Name},
		fields,
		r.Timestamp,
	)
	if err := i.write.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("error writing to InfluxDB bucket %s: %w", i.bucket, err)
	}
	return nil
}

// Ping checks that the server is reachable
func (i *InfluxRecorder) Ping(ctx context.Context) error {
	ok, err := i.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("InfluxDB is not ready")
	}
	return nil
}

// Close implements Recorder
func (i *InfluxRecorder) Close() error {
	i.client.Close()
	return nil
}

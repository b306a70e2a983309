package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sosnow/sosrelay/internal/geo"
)

func TestParse(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    *Event
		wantErr error
	}{
		{
			name:    "full payload",
			payload: `{"type":"SOS","userName":"Juan","userNumber":"+639171234567","latitude":14.5995,"longitude":120.9842}`,
			want:    &Event{Type: "SOS", UserName: "Juan", UserNumber: "+639171234567", Location: geo.Point{Latitude: 14.5995, Longitude: 120.9842}},
		},
		{
			name:    "optional fields default",
			payload: `{"latitude":1.5,"longitude":-2.25,"extra":true}`,
			want:    &Event{Type: Unknown, UserName: Unknown, UserNumber: Unknown, Location: geo.Point{Latitude: 1.5, Longitude: -2.25}},
		},
		{
			name:    "numeric strings",
			payload: `{"type":"Fire","latitude":"10.5","longitude":" 123.25 "}`,
			want:    &Event{Type: "Fire", UserName: Unknown, UserNumber: Unknown, Location: geo.Point{Latitude: 10.5, Longitude: 123.25}},
		},
		{
			name:    "trailing newline",
			payload: "{\"latitude\":1,\"longitude\":2}\n",
			want:    &Event{Type: Unknown, UserName: Unknown, UserNumber: Unknown, Location: geo.Point{Latitude: 1, Longitude: 2}},
		},
		{name: "not json", payload: `SOS at home`, wantErr: ErrMalformedPayload},
		{name: "json array", payload: `[1,2]`, wantErr: ErrMalformedPayload},
		{name: "json null", payload: `null`, wantErr: ErrMalformedPayload},
		{name: "trailing garbage", payload: `{"latitude":1,"longitude":2} }}not json`, wantErr: ErrMalformedPayload},
		{name: "two objects", payload: `{"latitude":1,"longitude":2}{"latitude":3,"longitude":4}`, wantErr: ErrMalformedPayload},
		{name: "missing latitude", payload: `{"longitude":1}`, wantErr: ErrMissingCoordinates},
		{name: "non numeric longitude", payload: `{"latitude":1,"longitude":"east"}`, wantErr: ErrMissingCoordinates},
		{name: "boolean latitude", payload: `{"latitude":true,"longitude":1}`, wantErr: ErrMissingCoordinates},
		{name: "out of range", payload: `{"latitude":91,"longitude":1}`, wantErr: ErrMissingCoordinates},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse([]byte(tc.payload))
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

package radio

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesBroadcast = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jukebox_channel_frames_total",
			Help: "Total number of decoded frames broadcast per channel",
		},
		[]string{"channel"},
	)

	tracksStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jukebox_channel_tracks_total",
			Help: "Total number of tracks started per channel",
		},
		[]string{"channel"},
	)

	decodeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jukebox_channel_decode_errors_total",
			Help: "Total number of tracks that ended with a decode error",
		},
		[]string{"channel"},
	)

	channelListeners = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jukebox_channel_listeners",
			Help: "Number of live listeners subscribed to a channel after pruning",
		},
		[]string{"channel"},
	)

	channelPosition = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jukebox_channel_position_seconds",
			Help: "Playback position within the current track",
		},
		[]string{"channel"},
	)

	channelPaused = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jukebox_channel_paused",
			Help: "1 when the channel is paused for lack of listeners",
		},
		[]string{"channel"},
	)
)

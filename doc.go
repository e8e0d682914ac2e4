// Package novavoice implements peer-to-peer voice calls over UDP.
//
// An Endpoint ties the full pipeline together: PortAudio capture,
// noise suppression and voice activity detection, automatic gain
// control, an adaptive-bitrate codec, sequenced UDP datagrams, and
// PortAudio playback fed from a bounded jitter queue.
//
// Basic usage:
//
//	endpoint, err := novavoice.New(novavoice.Options{
//		RemoteIP:   "192.168.1.100",
//		LocalPort:  9000,
//		RemotePort: 9001,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := endpoint.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer endpoint.Stop()
//
// Leaving RemoteIP empty puts the endpoint in listening mode: it binds
// the local port and locks on to the first peer that sends a datagram.
//
// The subpackages can be used on their own: audio for the capture and
// playback engines and the preprocessing chain, codec for the
// compressor and bitrate controller, network for the UDP transport,
// buffer for the bounded packet queues, and config for the shared
// constants.
package novavoice

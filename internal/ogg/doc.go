// Package ogg implements an incremental Ogg Opus demuxer. It reassembles
// Opus packets from Ogg pages arriving in arbitrarily sized chunks,
// swallowing the OpusHead and OpusTags header packets.
package ogg

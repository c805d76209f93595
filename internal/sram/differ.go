// Package sram implements the byte-level SRAM differ and the region-aware
// decoder that turns a diff into newly-checked location names (SPEC_FULL
// §4.2). The edge-triggered "newly set" rule (I4) is authoritative here;
// see the REDESIGN note in SPEC_FULL §4.2 for why this tightens
// original_source's sram.py.
package sram

import (
	"log/slog"

	"github.com/alttpr-multiworld/server/internal/gamedata"
)

// Snapshot is one player's captured SRAM, keyed by region name
// (base/pots/sprites/misc/bosses/overworld/npcs/shops/...).
type Snapshot map[string][]byte

// RegionDiff maps a changed byte offset to its new value within one region.
type RegionDiff map[int]byte

// Diff computes the byte-level difference between two snapshots. A region
// absent from either snapshot, or identical across both, is omitted.
func Diff(prev, cur Snapshot) map[string]RegionDiff {
	out := make(map[string]RegionDiff)

	for region, curBytes := range cur {
		prevBytes, ok := prev[region]
		if !ok {
			continue
		}

		var regionDiff RegionDiff
		n := len(curBytes)
		if len(prevBytes) < n {
			n = len(prevBytes)
		}
		for i := 0; i < n; i++ {
			if curBytes[i] != prevBytes[i] {
				if regionDiff == nil {
					regionDiff = make(RegionDiff)
				}
				regionDiff[i] = curBytes[i]
			}
		}
		if len(regionDiff) > 0 {
			out[region] = regionDiff
		}
	}

	return out
}

// ChangedLocations decodes a diff into the set of newly-checked location
// names, applying the edge-triggered "newly set" rule per region kind
// (I4). Lookups that fail (unknown room, unknown mask) are logged and
// skipped; the differ never returns an error.
func ChangedLocations(logger *slog.Logger, tables *gamedata.Tables, diff map[string]RegionDiff, prev, cur Snapshot) []string {
	var names []string

	for region, regionDiff := range diff {
		switch region {
		case "base", "pots", "sprites":
			names = append(names, decodeRoomRegion(logger, tables, region, regionDiff, prev, cur)...)
		case "overworld":
			names = append(names, decodeOverworld(logger, tables, regionDiff, prev, cur)...)
		case "npcs", "bosses":
			names = append(names, decodeWordRegion(logger, tables, region, regionDiff, prev, cur)...)
		case "misc":
			names = append(names, decodeMisc(logger, tables, regionDiff, prev, cur)...)
		case "shops":
			names = append(names, decodeShops(logger, tables, regionDiff, cur)...)
		default:
			logger.Debug("sram: unknown region in diff, skipping", "region", region)
		}
	}

	return names
}

// roomWordOffset returns the even-aligned offset of the 16-bit room word
// containing byteOffset. base uses offset itself rounded down to even;
// pots/sprites round odd offsets down to their even pair, per SPEC_FULL §4.2.
func roomWordOffset(byteOffset int) int {
	if byteOffset%2 != 0 {
		return byteOffset - 1
	}
	return byteOffset
}

func readWordLE(b []byte, offset int) (uint16, bool) {
	if offset < 0 || offset+1 >= len(b) {
		return 0, false
	}
	return uint16(b[offset]) | uint16(b[offset+1])<<8, true
}

func decodeRoomRegion(logger *slog.Logger, tables *gamedata.Tables, region string, regionDiff RegionDiff, prev, cur Snapshot) []string {
	var names []string
	seen := make(map[int]bool) // dedupe room words touched by multiple changed bytes in one diff

	for byteOffset := range regionDiff {
		wordOffset := roomWordOffset(byteOffset)
		if seen[wordOffset] {
			continue
		}
		seen[wordOffset] = true

		roomID := wordOffset / 2
		entries, ok := tables.LocationInfoByRoom[region][roomID]
		if !ok {
			logger.Debug("sram: unknown room", "region", region, "room_id", roomID)
			continue
		}

		curWord, ok := readWordLE(cur[region], wordOffset)
		if !ok {
			continue
		}
		prevWord, _ := readWordLE(prev[region], wordOffset)

		for _, entry := range entries {
			if curWord&entry.Mask != 0 && prevWord&entry.Mask == 0 {
				names = append(names, entry.Name)
			}
		}
	}

	return names
}

func decodeOverworld(logger *slog.Logger, tables *gamedata.Tables, regionDiff RegionDiff, prev, cur Snapshot) []string {
	var names []string

	for memLoc := range regionDiff {
		curByte := cur["overworld"][memLoc]
		var prevByte byte
		if memLoc < len(prev["overworld"]) {
			prevByte = prev["overworld"][memLoc]
		}

		if curByte&0x40 != 0 && prevByte&0x40 == 0 {
			if name, ok := tables.LocationInfoReversed["overworld"][memLoc]; ok {
				names = append(names, name)
			} else {
				logger.Debug("sram: unknown overworld screen", "mem_loc", memLoc)
			}
		}

		for _, entry := range tables.LocationInfoByOwScreen["bonk_prizes"][memLoc] {
			if uint16(curByte)&entry.Mask != 0 && uint16(prevByte)&entry.Mask == 0 {
				names = append(names, entry.Name)
			}
		}
	}

	return names
}

func decodeWordRegion(logger *slog.Logger, tables *gamedata.Tables, region string, regionDiff RegionDiff, prev, cur Snapshot) []string {
	var names []string

	curWord, ok := readWordLE(cur[region], 0)
	if !ok {
		return nil
	}
	prevWord, _ := readWordLE(prev[region], 0)

	entries, ok := tables.LocationInfoByRoom[region][0]
	if !ok {
		logger.Debug("sram: no mask table registered", "region", region)
		return nil
	}

	for _, entry := range entries {
		if curWord&entry.Mask != 0 && prevWord&entry.Mask == 0 {
			names = append(names, entry.Name)
		}
	}

	return names
}

func decodeMisc(logger *slog.Logger, tables *gamedata.Tables, regionDiff RegionDiff, prev, cur Snapshot) []string {
	var names []string

	for byteOffset := range regionDiff {
		entries, ok := tables.LocationInfoByRoom["misc"][byteOffset]
		if !ok {
			logger.Debug("sram: unknown misc offset", "offset", byteOffset)
			continue
		}
		curByte := cur["misc"][byteOffset]
		var prevByte byte
		if byteOffset < len(prev["misc"]) {
			prevByte = prev["misc"][byteOffset]
		}
		for _, entry := range entries {
			if uint16(curByte)&entry.Mask != 0 && uint16(prevByte)&entry.Mask == 0 {
				names = append(names, entry.Name)
			}
		}
	}

	return names
}

// shopMemLocBase is original_source's 0x400000 offset added to a shop
// region's in-snapshot byte index before the location_info_reversed lookup.
const shopMemLocBase = 0x400000

func decodeShops(logger *slog.Logger, tables *gamedata.Tables, regionDiff RegionDiff, cur Snapshot) []string {
	var names []string

	for memLoc := range regionDiff {
		if cur["shops"][memLoc] == 0 {
			continue
		}
		name, ok := tables.LocationInfoReversed["shops"][shopMemLocBase+memLoc]
		if !ok {
			logger.Debug("sram: unknown shop offset", "mem_loc", memLoc)
			continue
		}
		names = append(names, name)
	}

	return names
}

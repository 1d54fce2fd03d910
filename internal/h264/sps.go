package h264

import "fmt"

// maxPOCCycle bounds num_ref_frames_in_pic_order_cnt_cycle (ITU-T H.264 7.4.2.1.1).
const maxPOCCycle = 255

// VideoSize is the coded picture size in pixels.
type VideoSize struct {
	Width  int
	Height int
}

func (v VideoSize) String() string {
	return fmt.Sprintf("%dx%d", v.Width, v.Height)
}

// SPSInfo holds the sequence parameter set fields read on the way to the
// picture dimensions.
type SPSInfo struct {
	ProfileIDC      uint8
	ConstraintFlags uint8
	LevelIDC        uint8
	ID              uint32
	ChromaFormatIDC uint32
	PicOrderCntType uint32
	MaxNumRefFrames uint32
	Size            VideoSize
}

// highProfile reports whether the SPS carries the chroma/bit-depth/scaling block.
func highProfile(profileIDC uint8) bool {
	switch profileIDC {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128:
		return true
	}
	return false
}

// ParseSPS walks an SPS NAL unit (header byte included, no start code) up to
// pic_height_in_map_units_minus1 and derives the picture size. Width is
// (pic_width_in_mbs_minus1+1)*16 and height is
// (pic_height_in_map_units_minus1+1)*16; frame_mbs_only_flag and cropping
// are not consulted. Any read past the end fails with ErrMalformedSPS.
func ParseSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 2 {
		return SPSInfo{}, fmt.Errorf("%w: %d bytes", ErrMalformedSPS, len(nalu))
	}
	if t := NALType(nalu); t != NALTypeSPS {
		return SPSInfo{}, fmt.Errorf("%w: nal_unit_type %d", ErrMalformedSPS, t)
	}

	info, err := walkSPS(newBitReader(UnescapeRBSP(nalu[1:])))
	if err != nil {
		return SPSInfo{}, fmt.Errorf("%w: %w", ErrMalformedSPS, err)
	}
	return info, nil
}

func walkSPS(br *bitReader) (SPSInfo, error) {
	var (
		info SPSInfo
		err  error
	)

	if info.ProfileIDC, err = br.readByte(); err != nil {
		return info, fmt.Errorf("profile_idc: %w", err)
	}
	if info.ConstraintFlags, err = br.readByte(); err != nil {
		return info, fmt.Errorf("constraint flags: %w", err)
	}
	if info.LevelIDC, err = br.readByte(); err != nil {
		return info, fmt.Errorf("level_idc: %w", err)
	}
	if info.ID, err = br.readUE(); err != nil {
		return info, fmt.Errorf("seq_parameter_set_id: %w", err)
	}

	info.ChromaFormatIDC = 1
	if highProfile(info.ProfileIDC) {
		if info.ChromaFormatIDC, err = br.readUE(); err != nil {
			return info, fmt.Errorf("chroma_format_idc: %w", err)
		}
		if info.ChromaFormatIDC == 3 {
			if _, err = br.readBit(); err != nil {
				return info, fmt.Errorf("separate_colour_plane_flag: %w", err)
			}
		}
		if _, err = br.readUE(); err != nil {
			return info, fmt.Errorf("bit_depth_luma_minus8: %w", err)
		}
		if _, err = br.readUE(); err != nil {
			return info, fmt.Errorf("bit_depth_chroma_minus8: %w", err)
		}
		if _, err = br.readBit(); err != nil {
			return info, fmt.Errorf("qpprime_y_zero_transform_bypass_flag: %w", err)
		}
		scaling, err := br.readBit()
		if err != nil {
			return info, fmt.Errorf("seq_scaling_matrix_present_flag: %w", err)
		}
		if scaling == 1 {
			lists := 8
			if info.ChromaFormatIDC == 3 {
				lists = 12
			}
			// Only the presence flags are consumed, not the lists themselves.
			for i := 0; i < lists; i++ {
				if _, err = br.readBit(); err != nil {
					return info, fmt.Errorf("seq_scaling_list_present_flag[%d]: %w", i, err)
				}
			}
		}
	}

	if _, err = br.readUE(); err != nil {
		return info, fmt.Errorf("log2_max_frame_num_minus4: %w", err)
	}
	if info.PicOrderCntType, err = br.readUE(); err != nil {
		return info, fmt.Errorf("pic_order_cnt_type: %w", err)
	}
	switch info.PicOrderCntType {
	case 0:
		if _, err = br.readUE(); err != nil {
			return info, fmt.Errorf("log2_max_pic_order_cnt_lsb_minus4: %w", err)
		}
	case 1:
		if _, err = br.readBit(); err != nil {
			return info, fmt.Errorf("delta_pic_order_always_zero_flag: %w", err)
		}
		if _, err = br.readUE(); err != nil {
			return info, fmt.Errorf("offset_for_non_ref_pic: %w", err)
		}
		if _, err = br.readUE(); err != nil {
			return info, fmt.Errorf("offset_for_top_to_bottom_field: %w", err)
		}
		cycle, err := br.readUE()
		if err != nil {
			return info, fmt.Errorf("num_ref_frames_in_pic_order_cnt_cycle: %w", err)
		}
		if cycle > maxPOCCycle {
			return info, fmt.Errorf("num_ref_frames_in_pic_order_cnt_cycle %d exceeds %d", cycle, maxPOCCycle)
		}
		for i := uint32(0); i < cycle; i++ {
			if _, err = br.readUE(); err != nil {
				return info, fmt.Errorf("offset_for_ref_frame[%d]: %w", i, err)
			}
		}
	}

	if info.MaxNumRefFrames, err = br.readUE(); err != nil {
		return info, fmt.Errorf("max_num_ref_frames: %w", err)
	}
	if _, err = br.readBit(); err != nil {
		return info, fmt.Errorf("gaps_in_frame_num_value_allowed_flag: %w", err)
	}
	widthMbs, err := br.readUE()
	if err != nil {
		return info, fmt.Errorf("pic_width_in_mbs_minus1: %w", err)
	}
	heightMapUnits, err := br.readUE()
	if err != nil {
		return info, fmt.Errorf("pic_height_in_map_units_minus1: %w", err)
	}

	info.Size = VideoSize{
		Width:  (int(widthMbs) + 1) * 16,
		Height: (int(heightMapUnits) + 1) * 16,
	}
	return info, nil
}

package sweep

import "context"

// nested steps config i through its values and recurses into config i+1 at
// every value. Past the last config it records one point.
func (s *Sweep) nested(ctx context.Context, p *pump, seqs [][]float64, i int) error {
	if i == len(s.configs) {
		return s.record(p)
	}

	cfg := s.configs[i]
	for _, v := range seqs[i] {
		if err := ctx.Err(); err != nil {
			return interrupted(err)
		}
		if err := s.dev.SetBias(cfg.Channel, v); err != nil {
			return err
		}
		if err := s.settle(ctx, cfg.Delay); err != nil {
			return err
		}
		if err := s.nested(ctx, p, seqs, i+1); err != nil {
			return err
		}
	}
	return nil
}

// combo moves every channel to its step-th value, waits each channel's delay
// in config order and records one point per step.
func (s *Sweep) combo(ctx context.Context, p *pump, seqs [][]float64) error {
	for step := range seqs[0] {
		if err := ctx.Err(); err != nil {
			return interrupted(err)
		}
		for i, cfg := range s.configs {
			if err := s.dev.SetBias(cfg.Channel, seqs[i][step]); err != nil {
				return err
			}
			if err := s.settle(ctx, cfg.Delay); err != nil {
				return err
			}
		}
		if err := s.record(p); err != nil {
			return err
		}
	}
	return nil
}

package domain

// WalkForwardConfig partitions a historical range into rolling windows.
type WalkForwardConfig struct {
	TrainWindowMs  int64 `json:"train_window_ms" mapstructure:"train_window_ms"`
	TestWindowMs   int64 `json:"test_window_ms" mapstructure:"test_window_ms"`
	StepMs         int64 `json:"step_ms" mapstructure:"step_ms"`
	TestOffsetMs   int64 `json:"test_offset_ms" mapstructure:"test_offset_ms"` // gap between train end and test start, >= 0
	MinTrainTrades int   `json:"min_train_trades" mapstructure:"min_train_trades"`
	MinTestTrades  int   `json:"min_test_trades" mapstructure:"min_test_trades"`
}

// BacktestWindow is one (training, testing) pair. Read-only after creation.
type BacktestWindow struct {
	Index        int            `json:"index"`
	TrainStartMs int64          `json:"train_start_ms"`
	TrainEndMs   int64          `json:"train_end_ms"` // exclusive
	TestStartMs  int64          `json:"test_start_ms"`
	TestEndMs    int64          `json:"test_end_ms"` // exclusive
	Config       StrategyConfig `json:"config"`      // frozen after fitting
}

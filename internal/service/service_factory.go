package service

import (
	"go.uber.org/zap"

	"exchange-service/internal/bucketing"
	"exchange-service/internal/config"
	"exchange-service/internal/events"
	"exchange-service/internal/hashing"
	"exchange-service/internal/notify"
	"exchange-service/internal/repository"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	store        repository.ExchangeStore
	shareTokens  repository.ShareTokenRepository
	profiles     repository.ProfileRepository
	hasher       *hashing.Hasher
	bucketingMgr *bucketing.BucketingManager
	notifier     notify.Notifier
	events       *events.Dispatcher
	cfg          config.ExchangeConfig
	logger       *zap.Logger

	matcher        *PairingMatcher
	qrService      *QRService
	profileService *ProfileService
	sweeper        *ExpirySweeper
}

func NewServiceFactory(
	store repository.ExchangeStore,
	shareTokens repository.ShareTokenRepository,
	profiles repository.ProfileRepository,
	hasher *hashing.Hasher,
	bucketingMgr *bucketing.BucketingManager,
	notifier notify.Notifier,
	dispatcher *events.Dispatcher,
	cfg config.ExchangeConfig,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		store:        store,
		shareTokens:  shareTokens,
		profiles:     profiles,
		hasher:       hasher,
		bucketingMgr: bucketingMgr,
		notifier:     notifier,
		events:       dispatcher,
		cfg:          cfg,
		logger:       logger,
	}
}

// PairingMatcher returns the matcher instance (singleton)
func (f *ServiceFactory) PairingMatcher() *PairingMatcher {
	if f.matcher == nil {
		f.matcher = NewPairingMatcher(f.store, f.bucketingMgr, f.notifier, f.events, f.cfg, f.logger)
	}
	return f.matcher
}

func (f *ServiceFactory) QRService() *QRService {
	if f.qrService == nil {
		f.qrService = NewQRService(f.store, f.shareTokens, f.hasher, f.notifier, f.events, f.cfg, f.logger)
	}
	return f.qrService
}

func (f *ServiceFactory) ProfileService() *ProfileService {
	if f.profileService == nil {
		f.profileService = NewProfileService(f.store, f.profiles, f.logger)
	}
	return f.profileService
}

func (f *ServiceFactory) ExpirySweeper() *ExpirySweeper {
	if f.sweeper == nil {
		f.sweeper = NewExpirySweeper(f.PairingMatcher(), f.cfg.SweepInterval, f.logger)
	}
	return f.sweeper
}

// Notifier is the session view fan-out the push channel subscribes to.
func (f *ServiceFactory) Notifier() notify.Notifier {
	return f.notifier
}

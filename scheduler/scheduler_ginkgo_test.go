package scheduler

import (
	"context"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/pixl-imaging/pixl-core/dicomsrc"
	"github.com/pixl-imaging/pixl-core/ledger"
	"github.com/pixl-imaging/pixl-core/queue"
)

var _ = Describe("Scheduler", func() {
	var (
		primaryAssoc, secondaryAssoc *stubAssociation
		sched                        *Scheduler
		lg                           *ledger.MemoryLedger
		cleanup                      func()
		cacheDir                     string
	)

	BeforeEach(func() {
		var err error
		cacheDir, err = os.MkdirTemp("", "pixlcore-scheduler-suite-*")
		Expect(err).NotTo(HaveOccurred())

		primaryAssoc = &stubAssociation{}
		secondaryAssoc = &stubAssociation{}
	})

	AfterEach(func() {
		if cleanup != nil {
			cleanup()
		}
		os.RemoveAll(cacheDir)
	})

	build := func() {
		var err error
		sched, lg, _, cleanup, err = buildTestScheduler(primaryAssoc, secondaryAssoc, cacheDir)
		Expect(err).NotTo(HaveOccurred())
	}

	It("retrieves from the primary source, anonymises and exports, marking the ledger exported", func() {
		primaryAssoc.studies = []dicomsrc.FoundStudy{{StudyUID: "1.2.3", InstanceUIDs: []string{"i1"}}}
		build()

		broker := sched.broker.(*queue.MemoryBroker)
		req := queue.NewExtractRequest("mrn-g1", "acc-g1", "", "p1", time.Now(), time.Now(), queue.PriorityHighest)
		Expect(broker.Publish(context.Background(), queue.Primary, req)).To(Succeed())

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_ = sched.Run(ctx, queue.Primary, 1)

		rec, existed, err := lg.GetOrCreate(context.Background(), "p1", req.MatchKey())
		Expect(err).NotTo(HaveOccurred())
		Expect(existed).To(BeTrue())
		Expect(rec.State).To(Equal(ledger.StateExported))
		Expect(rec.AnonStudyUID).NotTo(Equal(req.StudyUID))
	})

	It("routes a primary miss onward to the secondary queue, then exports on a secondary hit", func() {
		secondaryAssoc.studies = []dicomsrc.FoundStudy{{StudyUID: "1.2.3", InstanceUIDs: []string{"i1"}}}
		build()

		broker := sched.broker.(*queue.MemoryBroker)
		req := queue.NewExtractRequest("mrn-g2", "acc-g2", "", "p1", time.Now(), time.Now(), queue.PriorityHighest)
		Expect(broker.Publish(context.Background(), queue.Primary, req)).To(Succeed())

		ctx1, cancel1 := context.WithTimeout(context.Background(), 200*time.Millisecond)
		_ = sched.Run(ctx1, queue.Primary, 1)
		cancel1()

		Expect(broker.Depth(queue.Secondary)).To(Equal(1))
		Expect(secondaryAssoc.findCalls).To(Equal(0), "the secondary source is only queried once its own consumer picks the message up")

		ctx2, cancel2 := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel2()
		_ = sched.Run(ctx2, queue.Secondary, 1)

		rec, existed, err := lg.GetOrCreate(context.Background(), "p1", req.MatchKey())
		Expect(err).NotTo(HaveOccurred())
		Expect(existed).To(BeTrue())
		Expect(rec.State).To(Equal(ledger.StateExported))
	})

	It("marks the ledger failed with NotFound once both sources miss", func() {
		build()

		broker := sched.broker.(*queue.MemoryBroker)
		req := queue.NewExtractRequest("mrn-g3", "acc-g3", "", "p1", time.Now(), time.Now(), queue.PriorityHighest)
		Expect(broker.Publish(context.Background(), queue.Primary, req)).To(Succeed())

		ctx1, cancel1 := context.WithTimeout(context.Background(), 200*time.Millisecond)
		_ = sched.Run(ctx1, queue.Primary, 1)
		cancel1()

		ctx2, cancel2 := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel2()
		_ = sched.Run(ctx2, queue.Secondary, 1)

		rec, existed, err := lg.GetOrCreate(context.Background(), "p1", req.MatchKey())
		Expect(err).NotTo(HaveOccurred())
		Expect(existed).To(BeTrue())
		Expect(rec.State).To(Equal(ledger.StateFailed))
		Expect(rec.Error).To(Equal("NotFound"))
	})
})

package pubsub

// ContractName is the contract every server exposes for subscriptions.
const ContractName = "wsrpc.PubSub"

// Service implements the PubSub contract for one session.
type Service struct {
	broker     *Broker
	subscriber Subscriber
}

func NewService(broker *Broker, s Subscriber) *Service {
	return &Service{broker: broker, subscriber: s}
}

func (s *Service) Subscribe(topics []string) {
	s.subscriber.Topics().Subscribe(topics...)
}

func (s *Service) Unsubscribe(topics []string) {
	s.subscriber.Topics().Unsubscribe(topics...)
}

func (s *Service) UnsubscribeAll() {
	s.subscriber.Topics().UnsubscribeAll()
}

// Publish fans data out to every subscribed session, the caller included.
func (s *Service) Publish(topic string, data []byte) {
	s.broker.Publish(topic, data)
}

// Topics returns the caller's current subscriptions.
func (s *Service) Topics() []string {
	return s.subscriber.Topics().List()
}

// Client is the caller side of the PubSub contract. Bind it with rpc.Bind, or
// embed it in a larger stub to compose it with other contracts.
type Client struct {
	Subscribe      func(topics []string) error
	Unsubscribe    func(topics []string) error
	UnsubscribeAll func() error
	Publish        func(topic string, data []byte) error
	Topics         func() ([]string, error)
}

func (*Client) RPCContract() string { return ContractName }
